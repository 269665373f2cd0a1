package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
)

// Backend exposes the records table as a persist.Backend.
type Backend struct {
	db *DB
}

// NewBackend returns a persist.Backend over d. Closing handles does not close d.
func NewBackend(d *DB) *Backend { return &Backend{db: d} }

// Open implements persist.Backend.
func (b *Backend) Open(ctx context.Context, name string, opts persist.Options) (persist.Handle, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("db.Backend.Open: %w", err)
	}
	if err := b.db.EnsureStore(ctx, name); err != nil {
		return nil, fmt.Errorf("db.Backend.Open: %w", err)
	}
	return persist.NewHandle(&records{db: b.db, store: name}, opts), nil
}

// Names implements persist.Backend.
func (b *Backend) Names(ctx context.Context) ([]string, error) {
	return b.db.ListStores(ctx)
}

type records struct {
	db    *DB
	store string
}

func (r *records) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	rec, err := r.db.GetRecord(ctx, r.store, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

func (r *records) Put(ctx context.Context, key string, value json.RawMessage) error {
	return r.db.PutRecord(ctx, r.store, key, value)
}

func (r *records) Remove(ctx context.Context, key string) error {
	return r.db.DeleteRecord(ctx, r.store, key)
}

func (r *records) Commit(ctx context.Context, batch map[string]json.RawMessage) error {
	return r.db.PutRecords(ctx, r.store, batch)
}

func (*records) Close() error { return nil }
