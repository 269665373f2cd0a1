// Package filestore implements persist.Backend as one JSON document per record
// set, written to <dir>/<name>.json.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
)

// Backend stores record sets under a directory.
type Backend struct {
	dir string

	// locks serializes writers of the same file within the process.
	locks sync.Map // name -> *sync.Mutex
}

// New returns a backend rooted at dir. The directory is created on first Open.
func New(dir string) *Backend {
	return &Backend{dir: dir}
}

// Path returns the file backing the record set name.
func (b *Backend) Path(name string) string {
	return filepath.Join(b.dir, models.FileName(name))
}

// Open implements persist.Backend. The file is created when absent.
func (b *Backend) Open(_ context.Context, name string, opts persist.Options) (persist.Handle, error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("filestore.Open: %w", err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore.Open: %w", err)
	}
	r := &records{path: b.Path(name), mu: b.lock(name)}
	if err := r.create(); err != nil {
		return nil, fmt.Errorf("filestore.Open: %w", err)
	}
	return persist.NewHandle(r, opts), nil
}

// Names implements persist.Backend.
func (b *Backend) Names(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore.Names: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if models.ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) lock(name string) *sync.Mutex {
	mu, _ := b.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ---------------------------------------------------------------------------
// records
// ---------------------------------------------------------------------------

type records struct {
	path string
	mu   *sync.Mutex
}

func (r *records) read() (persist.Document, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return persist.Document("{}"), nil
	}
	if err != nil {
		return nil, err
	}
	return persist.ParseDocument(data)
}

func (r *records) create() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := os.Stat(r.path); !os.IsNotExist(err) {
		return err
	}
	return r.write(persist.Document("{}"))
}

// write replaces the file atomically through a temp file in the same directory.
func (r *records) write(doc persist.Document) error {
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tmp-"+filepath.Base(r.path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(doc.Pretty()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

func (r *records) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return nil, false, fmt.Errorf("filestore.Get %s: %w", r.path, err)
	}
	v, ok := doc.Get(key)
	return v, ok, nil
}

func (r *records) Put(ctx context.Context, key string, value json.RawMessage) error {
	return r.Commit(ctx, map[string]json.RawMessage{key: value})
}

func (r *records) Remove(ctx context.Context, key string) error {
	return r.Commit(ctx, map[string]json.RawMessage{key: nil})
}

func (r *records) Commit(_ context.Context, batch map[string]json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.read()
	if err != nil {
		return fmt.Errorf("filestore.Commit %s: %w", r.path, err)
	}
	doc, err = doc.Apply(batch)
	if err != nil {
		return fmt.Errorf("filestore.Commit %s: %w", r.path, err)
	}
	if err := r.write(doc); err != nil {
		return fmt.Errorf("filestore.Commit %s: %w", r.path, err)
	}
	return nil
}

func (*records) Close() error { return nil }
