// Package db manages the SQLite database that backs record sets for synced
// stores and the hub's authoritative state.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver with database/sql
)

// schemaVersion is bumped whenever createSchema gains a migration.
const schemaVersion = 1

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// DB wraps a *sql.DB with the path it was opened from.
type DB struct {
	db   *sql.DB
	path string
}

// Record is one stored key of a record set.
type Record struct {
	Store     string
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("db.Open: %w", err)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
	sqldb.SetMaxOpenConns(1)

	d := &DB{db: sqldb, path: path}
	if err := d.createSchema(); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("db.Open createSchema: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

func (d *DB) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			store      TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (store, key)
		)`,
		`CREATE TABLE IF NOT EXISTS record_sets (
			store      TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("createSchema exec: %w\nSQL: %s", err, s)
		}
	}

	stored, ok, err := d.GetMeta(context.Background(), "schema_version")
	if err != nil {
		return err
	}
	if ok {
		v, err := strconv.Atoi(stored)
		if err != nil {
			return fmt.Errorf("createSchema: bad schema_version %q: %w", stored, err)
		}
		if v > schemaVersion {
			return fmt.Errorf("createSchema: database schema %d is newer than supported %d", v, schemaVersion)
		}
	}
	return d.SetMeta(context.Background(), "schema_version", strconv.Itoa(schemaVersion))
}

// ---------------------------------------------------------------------------
// Record sets
// ---------------------------------------------------------------------------

// EnsureStore registers a record set name. It is safe to call repeatedly.
func (d *DB) EnsureStore(ctx context.Context, store string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO record_sets (store, created_at) VALUES (?, ?)`,
		store, now(),
	)
	if err != nil {
		return fmt.Errorf("EnsureStore: %w", err)
	}
	return nil
}

// ListStores returns every registered record set name in ascending order.
func (d *DB) ListStores(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT store FROM record_sets ORDER BY store`)
	if err != nil {
		return nil, fmt.Errorf("ListStores: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("ListStores: scan: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// GetRecord fetches one key of a record set. Returns ErrNotFound when absent.
func (d *DB) GetRecord(ctx context.Context, store, key string) (*Record, error) {
	var value, updated string
	err := d.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM records WHERE store = ? AND key = ?`, store, key,
	).Scan(&value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetRecord: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updated)
	return &Record{Store: store, Key: key, Value: json.RawMessage(value), UpdatedAt: ts}, nil
}

// PutRecord upserts one key of a record set.
func (d *DB) PutRecord(ctx context.Context, store, key string, value json.RawMessage) error {
	return d.PutRecords(ctx, store, map[string]json.RawMessage{key: value})
}

// DeleteRecord removes one key of a record set. Deleting a missing key is not an error.
func (d *DB) DeleteRecord(ctx context.Context, store, key string) error {
	return d.PutRecords(ctx, store, map[string]json.RawMessage{key: nil})
}

// PutRecords applies a batch in one transaction; nil values delete their key.
func (d *DB) PutRecords(ctx context.Context, store string, batch map[string]json.RawMessage) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("PutRecords: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	for key, value := range batch {
		if value == nil {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE store = ? AND key = ?`, store, key,
			); err != nil {
				return fmt.Errorf("PutRecords: delete %s/%s: %w", store, key, err)
			}
			continue
		}
		if !json.Valid(value) {
			return fmt.Errorf("PutRecords: %s/%s: value is not valid JSON", store, key)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (store, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(store, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			store, key, string(value), ts,
		); err != nil {
			return fmt.Errorf("PutRecords: upsert %s/%s: %w", store, key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("PutRecords: commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Meta
// ---------------------------------------------------------------------------

// GetMeta reads a value from the meta table.
func (d *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetMeta upserts a key-value pair in the meta table.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value,
	)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
