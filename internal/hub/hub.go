// Package hub is the Remote Owner side of synced stores: it holds the
// authoritative value of every named state, answers set_<name> and get_<name>
// commands over websocket and broadcasts <name>_update events.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/synthlabs/scrybe/internal/metrics"
	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
)

// versionKey sits next to models.RecordKey in each record set.
const versionKey = "version"

// ErrNotFound is returned by Get for names that were never set.
var ErrNotFound = errors.New("hub: state not found")

var (
	errInvalidJSON = errors.New("hub: value is not valid JSON")
	errNullValue   = errors.New("hub: value must not be null")
)

// State is the authoritative value of one name.
type State struct {
	Name    string          `json:"name"`
	Version uint64          `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// WithMetrics records connections and broadcasts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

type entry struct {
	handle  persist.Handle
	version uint64
}

// Hub owns the state and the connected clients.
type Hub struct {
	backend      persist.Backend
	log          *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	states  map[string]*entry
	clients map[string]*client
	closed  bool
}

// New returns a hub persisting into backend.
func New(backend persist.Backend, opts ...Option) *Hub {
	h := &Hub{
		backend:      backend,
		log:          slog.Default(),
		writeTimeout: 10 * time.Second,
		states:       make(map[string]*entry),
		clients:      make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Get returns the current state of name.
func (h *Hub) Get(ctx context.Context, name string) (State, error) {
	if err := models.ValidateName(name); err != nil {
		return State{}, fmt.Errorf("hub.Get: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(ctx, name)
	if err != nil {
		return State{}, fmt.Errorf("hub.Get %s: %w", name, err)
	}
	raw, ok, err := e.handle.Get(ctx, models.RecordKey)
	if err != nil {
		return State{}, fmt.Errorf("hub.Get %s: %w", name, err)
	}
	if !ok {
		return State{}, fmt.Errorf("hub.Get %s: %w", name, ErrNotFound)
	}
	var env models.Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return State{}, fmt.Errorf("hub.Get %s: %w", name, err)
	}
	return State{Name: name, Version: e.version, Value: env.Value}, nil
}

// Set stores v as the value of name and broadcasts it to every client.
func (h *Hub) Set(ctx context.Context, name string, v json.RawMessage) (State, error) {
	return h.set(ctx, name, v, nil)
}

// Names lists every state the backend holds.
func (h *Hub) Names(ctx context.Context) ([]string, error) {
	names, err := h.backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("hub.Names: %w", err)
	}
	return names, nil
}

// Connections reports the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and closes the state handles.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	states := h.states
	h.states = make(map[string]*entry)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.ws.Close()
	}
	var errs []error
	for _, e := range states {
		errs = append(errs, e.handle.Close())
	}
	return errors.Join(errs...)
}

// set commits v and broadcasts it to every client except from.
func (h *Hub) set(ctx context.Context, name string, v json.RawMessage, from *client) (State, error) {
	if err := models.ValidateName(name); err != nil {
		return State{}, fmt.Errorf("hub.Set: %w", err)
	}
	if len(v) == 0 || !json.Valid(v) {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, errInvalidJSON)
	}
	if string(bytes.TrimSpace(v)) == "null" {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, errNullValue)
	}
	record, err := json.Marshal(models.Envelope[json.RawMessage]{Value: v})
	if err != nil {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.entryLocked(ctx, name)
	if err != nil {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, err)
	}
	next := e.version + 1
	if err := e.handle.Set(ctx, models.RecordKey, record); err != nil {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, err)
	}
	if err := e.handle.Set(ctx, versionKey, json.RawMessage(strconv.FormatUint(next, 10))); err != nil {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, err)
	}
	// Value and version land in one commit.
	if err := e.handle.Save(ctx); err != nil {
		return State{}, fmt.Errorf("hub.Set %s: %w", name, err)
	}
	e.version = next

	// Enqueued under h.mu so every client sees updates in commit order.
	event := models.NewEvent(models.EventName(name), v)
	for id, c := range h.clients {
		if c == from {
			continue
		}
		if !c.enqueue(event) {
			h.log.Warn("hub: client too slow, dropping", "client", id)
			h.dropLocked(c)
		}
	}
	h.metrics.HubBroadcast(name)
	return State{Name: name, Version: next, Value: v}, nil
}

func (h *Hub) entryLocked(ctx context.Context, name string) (*entry, error) {
	if h.closed {
		return nil, persist.ErrClosed
	}
	if e, ok := h.states[name]; ok {
		return e, nil
	}
	handle, err := h.backend.Open(ctx, name, persist.Options{AutoSave: false})
	if err != nil {
		return nil, err
	}
	e := &entry{handle: handle}
	raw, ok, err := handle.Get(ctx, versionKey)
	if err != nil {
		_ = handle.Close()
		return nil, err
	}
	if ok {
		if e.version, err = strconv.ParseUint(string(raw), 10, 64); err != nil {
			h.log.Warn("hub: stored version unreadable, restarting at 0", "name", name, "err", err)
			e.version = 0
		}
	}
	h.states[name] = e
	return e, nil
}
