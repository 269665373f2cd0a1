// Package persist defines the key/value persistence port used by synced stores
// and the helpers shared by its backends.
//
// A Backend opens named record sets. Each record set holds a handful of keys
// (synced stores only use models.RecordKey) whose values are raw JSON. Handles
// opened with AutoSave write through on every Set; otherwise writes are staged
// until Save.
package persist

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed handle.
var ErrClosed = errors.New("persist: handle closed")

// Options controls how a record set is opened.
type Options struct {
	// AutoSave makes every Set and Delete durable without an explicit Save.
	AutoSave bool
}

// Backend opens record sets by name.
type Backend interface {
	// Open opens or creates the record set name. Opening the same name twice
	// yields handles over the same durable data.
	Open(ctx context.Context, name string, opts Options) (Handle, error)
	// Names lists the record sets the backend holds.
	Names(ctx context.Context) ([]string, error)
}

// Handle is an open record set.
type Handle interface {
	// Get returns the value stored under key. A missing key is reported with
	// ok == false and a nil error.
	Get(ctx context.Context, key string) (value json.RawMessage, ok bool, err error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Delete(ctx context.Context, key string) error
	// Save makes staged writes durable. It is a no-op for AutoSave handles.
	Save(ctx context.Context) error
	Close() error
}

// Records is the write-through primitive a backend implements. NewHandle layers
// AutoSave semantics on top of it.
type Records interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	Remove(ctx context.Context, key string) error
	// Commit applies a batch of staged writes; a nil value removes the key.
	Commit(ctx context.Context, batch map[string]json.RawMessage) error
	Close() error
}
