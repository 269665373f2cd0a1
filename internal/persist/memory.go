package persist

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is a process-local Backend. Record sets survive Close and re-Open for
// the lifetime of the Memory value.
type Memory struct {
	mu   sync.Mutex
	sets map[string]map[string]json.RawMessage
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{sets: make(map[string]map[string]json.RawMessage)}
}

// Open implements Backend.
func (m *Memory) Open(_ context.Context, name string, opts Options) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[name]; !ok {
		m.sets[name] = make(map[string]json.RawMessage)
	}
	return NewHandle(&memoryRecords{m: m, name: name}, opts), nil
}

// Names implements Backend.
func (m *Memory) Names(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sets))
	for n := range m.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

type memoryRecords struct {
	m    *Memory
	name string
}

func (r *memoryRecords) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	v, ok := r.m.sets[r.name][key]
	return clone(v), ok, nil
}

func (r *memoryRecords) Put(_ context.Context, key string, value json.RawMessage) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.sets[r.name][key] = clone(value)
	return nil
}

func (r *memoryRecords) Remove(_ context.Context, key string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	delete(r.m.sets[r.name], key)
	return nil
}

func (r *memoryRecords) Commit(_ context.Context, batch map[string]json.RawMessage) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	set := r.m.sets[r.name]
	for k, v := range batch {
		if v == nil {
			delete(set, k)
			continue
		}
		set[k] = clone(v)
	}
	return nil
}

func (*memoryRecords) Close() error { return nil }
