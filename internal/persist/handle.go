package persist

import (
	"context"
	"encoding/json"
	"sync"
)

// NewHandle wraps r with the save semantics selected by opts.
func NewHandle(r Records, opts Options) Handle {
	return &handle{records: r, autoSave: opts.AutoSave, staged: make(map[string]json.RawMessage)}
}

type handle struct {
	records  Records
	autoSave bool

	mu     sync.Mutex
	staged map[string]json.RawMessage // nil value marks a staged delete
	closed bool
}

func (h *handle) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, false, ErrClosed
	}
	if v, ok := h.staged[key]; ok {
		h.mu.Unlock()
		if v == nil {
			return nil, false, nil
		}
		return clone(v), true, nil
	}
	h.mu.Unlock()
	return h.records.Get(ctx, key)
}

func (h *handle) Set(ctx context.Context, key string, value json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.autoSave {
		return h.records.Put(ctx, key, value)
	}
	h.staged[key] = clone(value)
	return nil
}

func (h *handle) Delete(ctx context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.autoSave {
		return h.records.Remove(ctx, key)
	}
	h.staged[key] = nil
	return nil
}

func (h *handle) Save(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if len(h.staged) == 0 {
		return nil
	}
	if err := h.records.Commit(ctx, h.staged); err != nil {
		return err
	}
	h.staged = make(map[string]json.RawMessage)
	return nil
}

// Close releases the handle. Staged writes that were never saved are dropped.
func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.records.Close()
}

func clone(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// ---------------------------------------------------------------------------
// Discard
// ---------------------------------------------------------------------------

// Discard is a handle that stores nothing. Synced stores fall back to it when
// their backend cannot be opened.
var Discard Handle = discard{}

type discard struct{}

func (discard) Get(context.Context, string) (json.RawMessage, bool, error) { return nil, false, nil }
func (discard) Set(context.Context, string, json.RawMessage) error         { return nil }
func (discard) Delete(context.Context, string) error                       { return nil }
func (discard) Save(context.Context) error                                 { return nil }
func (discard) Close() error                                               { return nil }
