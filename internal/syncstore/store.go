// Package syncstore keeps one value in sync between in-process consumers, a
// persistence backend and a remote owner.
//
// A Store loads its value from the backend at Init, then listens for
// "<name>_update" events from the owner. Every local change is written to the
// backend as {"value": v} under key "object" and sent to the owner's
// "set_<name>" command. Changes that arrive from the owner are applied and
// shown to subscribers but never sent back: applying one sets an internal
// latch that the very next synchronization cycle consumes instead of pushing.
package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synthlabs/scrybe/internal/metrics"
	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
	"github.com/synthlabs/scrybe/internal/reactive"
	"github.com/synthlabs/scrybe/internal/remote"
)

// Lifecycle errors.
var (
	ErrAlreadyInitialized = errors.New("syncstore: already initialized")
	ErrNotInitialized     = errors.New("syncstore: not initialized")
	ErrClosed             = errors.New("syncstore: closed")
)

// ErrInvalidValue wraps decode and validation failures of incoming values.
var ErrInvalidValue = errors.New("syncstore: invalid value")

const tracerName = "scrybe/syncstore"

type state int

const (
	stateIdle state = iota
	stateInitializing
	stateReady
	stateClosed
)

// Store is a synced value of type T. T must round-trip through encoding/json.
// If T or *T has a Validate() error method, persisted, remote and local values
// are checked with it.
type Store[T any] struct {
	name    string
	backend persist.Backend
	owner   remote.Owner
	opts    options
	log     *slog.Logger
	tracer  trace.Tracer

	mu      sync.Mutex
	value   T
	version uint64
	latch   bool
	state   state
	handle  persist.Handle
	unsub   remote.Unsubscribe
	out     *outbox

	changes *reactive.Observable[T]
}

// New returns an idle store holding initial. It performs no I/O. A nil backend
// is replaced by a fresh in-memory backend and a nil owner by remote.Discard.
func New[T any](name string, initial T, backend persist.Backend, owner remote.Owner, opts ...Option) *Store[T] {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if backend == nil {
		backend = persist.NewMemory()
	}
	if owner == nil {
		owner = remote.Discard
	}
	return &Store[T]{
		name:    name,
		backend: backend,
		owner:   owner,
		opts:    o,
		log:     o.logger.With("store", name),
		tracer:  otel.Tracer(tracerName),
		value:   initial,
		changes: reactive.New[T](),
	}
}

// Name returns the store identity.
func (s *Store[T]) Name() string { return s.name }

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Version returns a counter bumped by every committed change, whether it came
// from the backend, a local Set or the remote owner.
func (s *Store[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Init loads the persisted value, subscribes to remote updates and pushes the
// resulting value once. The load completes before the subscription exists, so
// persisted state never overwrites a remote update.
//
// Backend failures are logged and leave the default in place. If ctx is
// cancelled during the load, Init returns the context error and may be
// retried.
func (s *Store[T]) Init(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	case stateInitializing, stateReady:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.state = stateInitializing
	s.mu.Unlock()

	h, loaded, ok, err := s.load(ctx)
	if err != nil {
		s.mu.Lock()
		if s.state == stateInitializing {
			s.state = stateIdle
		}
		s.mu.Unlock()
		return fmt.Errorf("syncstore.Init %s: %w", s.name, err)
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		_ = h.Close()
		return ErrClosed
	}
	if ok {
		s.value = loaded
		s.version++
	}
	s.handle = h
	s.out = newOutbox()
	s.mu.Unlock()

	unsub, err := s.owner.Listen(ctx, models.EventName(s.name), s.onRemote)
	if err != nil {
		s.log.Warn("syncstore: subscribe to remote updates failed", "event", models.EventName(s.name), "err", err)
		unsub = func() {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		unsub()
		return ErrClosed
	}
	s.unsub = unsub
	s.state = stateReady
	s.syncLocked()
	s.changes.Publish(s.value)
	return nil
}

// load opens the record set and reads the persisted value. Only context
// errors are returned; everything else degrades with a warning.
func (s *Store[T]) load(ctx context.Context) (h persist.Handle, v T, ok bool, err error) {
	h, err = s.backend.Open(ctx, s.name, persist.Options{AutoSave: s.opts.autosave})
	if err != nil {
		if ctx.Err() != nil {
			return nil, v, false, ctx.Err()
		}
		s.log.Warn("syncstore: open persistence failed, continuing without it", "err", err)
		h = persist.Discard
	}

	raw, found, err := h.Get(ctx, models.RecordKey)
	switch {
	case err != nil && ctx.Err() != nil:
		_ = h.Close()
		return nil, v, false, ctx.Err()
	case err != nil:
		s.log.Warn("syncstore: read persisted value failed, using default", "err", err)
		return h, v, false, nil
	case !found:
		return h, v, false, nil
	}

	var env models.Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		s.log.Warn("syncstore: persisted record is not an envelope, using default",
			"err", err, "record", s.opts.redactor.Snippet(raw, 0))
		return h, v, false, nil
	}
	v, err = decode[T](env.Value)
	if err != nil {
		s.log.Warn("syncstore: persisted value rejected, using default",
			"err", err, "record", s.opts.redactor.Snippet(raw, 0))
		return h, v, false, nil
	}
	return h, v, true, nil
}

// Close detaches from the remote owner, waits for queued outbound work,
// closes the persistence handle and stops subscriber delivery. It is safe to
// call before Init and more than once. Writes staged by a store opened with
// autosave off are dropped unless Flush ran first.
//
// Close must not be called from inside a subscriber.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	unsub, out, h := s.unsub, s.out, s.handle
	s.unsub, s.out, s.handle = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if out != nil {
		out.close()
	}
	var err error
	if h != nil {
		if cerr := h.Close(); cerr != nil {
			err = fmt.Errorf("syncstore.Close %s: %w", s.name, cerr)
		}
	}
	s.changes.Close()
	return err
}

// ---------------------------------------------------------------------------
// Local changes
// ---------------------------------------------------------------------------

// Set replaces the value and schedules the write and push. Persistence and
// remote failures are logged, never returned.
func (s *Store[T]) Set(v T) error {
	if err := validate(&v); err != nil {
		return fmt.Errorf("syncstore.Set %s: %w: %w", s.name, ErrInvalidValue, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	s.commitLocked(v)
	return nil
}

// Update replaces the value with fn(current) atomically. fn runs with the
// store locked and must not call back into the store.
func (s *Store[T]) Update(fn func(T) T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.readyLocked(); err != nil {
		return err
	}
	v := fn(s.value)
	if err := validate(&v); err != nil {
		return fmt.Errorf("syncstore.Update %s: %w: %w", s.name, ErrInvalidValue, err)
	}
	s.commitLocked(v)
	return nil
}

// Subscribe registers fn for value changes. Once the store has a value, fn
// first receives the current one. Rapid changes may be coalesced, so fn is
// only guaranteed to see the latest. The returned cancel is idempotent.
func (s *Store[T]) Subscribe(fn func(T)) (cancel func()) {
	return s.changes.Subscribe(fn)
}

// Flush waits for queued outbound work and saves staged persistence writes.
func (s *Store[T]) Flush(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	out, h := s.out, s.handle
	s.mu.Unlock()

	select {
	case <-out.barrier():
	case <-ctx.Done():
		return fmt.Errorf("syncstore.Flush %s: %w", s.name, ctx.Err())
	}
	if err := h.Save(ctx); err != nil {
		return fmt.Errorf("syncstore.Flush %s: %w", s.name, err)
	}
	return nil
}

func (s *Store[T]) readyLocked() error {
	switch s.state {
	case stateReady:
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

func (s *Store[T]) commitLocked(v T) {
	s.value = v
	s.version++
	s.syncLocked()
	s.changes.Publish(v)
}

// ---------------------------------------------------------------------------
// Remote updates
// ---------------------------------------------------------------------------

// onRemote applies an owner-originated value. Applying it and running the
// latch-checked cycle happen under one lock hold, so no local change can slip
// between them.
func (s *Store[T]) onRemote(payload json.RawMessage) {
	v, err := decode[T](payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady && s.state != stateInitializing {
		return
	}
	if err != nil {
		s.opts.metrics.RemoteUpdate(s.name, metrics.StatusInvalid)
		s.log.Warn("syncstore: dropped invalid remote update",
			"err", err, "payload", s.opts.redactor.Snippet(payload, 0))
		return
	}
	s.opts.metrics.RemoteUpdate(s.name, metrics.StatusOK)

	s.latch = true
	s.value = v
	s.version++
	// While initializing, the initial cycle in Init consumes the latch.
	if s.state == stateReady {
		s.syncLocked()
	}
	s.changes.Publish(v)
}

// ---------------------------------------------------------------------------
// Synchronization
// ---------------------------------------------------------------------------

// syncLocked is one synchronization cycle. A set latch means the change came
// from the owner: clear it and send nothing. Otherwise queue the write and the
// push of the current value.
func (s *Store[T]) syncLocked() {
	if s.latch {
		s.latch = false
		s.opts.metrics.SuppressedEcho(s.name)
		s.log.Debug("syncstore: remote change applied, push suppressed", "version", s.version)
		return
	}
	if !s.opts.sync {
		return
	}
	data, err := json.Marshal(s.value)
	if err != nil {
		s.log.Error("syncstore: value cannot be encoded, not synchronized", "err", err)
		return
	}
	record, err := json.Marshal(models.Envelope[json.RawMessage]{Value: data})
	if err != nil {
		s.log.Error("syncstore: envelope cannot be encoded, not synchronized", "err", err)
		return
	}
	h, version := s.handle, s.version
	s.out.push(func() { s.push(h, version, data, record) })
}

// push writes the record and then invokes the owner. The two are independent:
// a persistence failure does not stop the remote call and vice versa.
func (s *Store[T]) push(h persist.Handle, version uint64, data, record json.RawMessage) {
	ctx, span := s.tracer.Start(context.Background(), "syncstore.push",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("scrybe.store", s.name),
			attribute.Int64("scrybe.version", int64(version)),
		),
	)
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	perr := h.Set(pctx, models.RecordKey, record)
	cancel()
	s.opts.metrics.Outbound(s.name, metrics.TargetPersist, perr)
	if perr != nil {
		span.RecordError(perr)
		s.log.Warn("syncstore: persist failed", "version", version, "err", perr)
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	rerr := s.owner.Invoke(rctx, models.CommandName(s.name), data)
	cancel()
	s.opts.metrics.Outbound(s.name, metrics.TargetRemote, rerr)
	if rerr != nil {
		span.RecordError(rerr)
		s.log.Warn("syncstore: remote push failed", "command", models.CommandName(s.name), "version", version, "err", rerr)
	}

	if err := errors.Join(perr, rerr); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type validator interface {
	Validate() error
}

var errNilValue = errors.New("nil value")

// isNil reports whether x holds a nil pointer, map, slice or similar.
func isNil(x any) bool {
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, fmt.Errorf("%w: empty payload", ErrInvalidValue)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	if err := validate(&v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	return v, nil
}

func validate[T any](v *T) error {
	if val, ok := any(*v).(validator); ok {
		if isNil(val) {
			return errNilValue
		}
		return val.Validate()
	}
	if val, ok := any(v).(validator); ok {
		return val.Validate()
	}
	return nil
}
