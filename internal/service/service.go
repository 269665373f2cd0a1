// Package service wires configuration, persistence, the remote owner and
// redaction together and hands out initialized synced stores.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yalp/jsonpath"

	"github.com/synthlabs/scrybe/internal/config"
	"github.com/synthlabs/scrybe/internal/db"
	"github.com/synthlabs/scrybe/internal/metrics"
	"github.com/synthlabs/scrybe/internal/models"
	"github.com/synthlabs/scrybe/internal/persist"
	"github.com/synthlabs/scrybe/internal/persist/filestore"
	"github.com/synthlabs/scrybe/internal/persist/s3store"
	"github.com/synthlabs/scrybe/internal/redaction"
	"github.com/synthlabs/scrybe/internal/remote"
	"github.com/synthlabs/scrybe/internal/remote/wsclient"
	"github.com/synthlabs/scrybe/internal/syncstore"
)

// ErrNotFound is returned by Read when nothing is persisted under the name.
var ErrNotFound = errors.New("service: no persisted value")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("service: closed")

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger handed to stores and the remote client.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records store activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithBackend replaces the configured persistence driver.
func WithBackend(b persist.Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithOwner replaces the configured remote owner.
func WithOwner(o remote.Owner) Option {
	return func(s *Service) { s.owner = o }
}

// Service owns the shared resources of one scrybe home.
type Service struct {
	Home     string
	StateDir string
	Config   *config.Config

	log      *slog.Logger
	metrics  *metrics.Metrics
	redactor *redaction.Redactor
	backend  persist.Backend
	closers  []io.Closer

	mu     sync.Mutex
	owner  remote.Owner
	client *wsclient.Client
	stores map[string]*syncstore.Store[json.RawMessage]
	closed bool
}

// New initialises a Service rooted at home.
// If home is empty it is resolved via config.ResolveHome.
func New(home string, opts ...Option) (*Service, error) {
	if home == "" {
		home, _ = config.ResolveHome("")
	}

	cfg, err := config.Load(filepath.Join(home, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("service.New: load config: %w", err)
	}

	s := &Service{
		Home:     home,
		StateDir: cfg.ResolveStateDir(home),
		Config:   cfg,
		log:      slog.Default(),
		stores:   make(map[string]*syncstore.Store[json.RawMessage]),
	}
	for _, fn := range opts {
		fn(s)
	}

	patterns, err := redaction.LoadIgnoreFile(filepath.Join(home, redaction.IgnoreFileName))
	if err != nil {
		s.log.Warn("failed to load "+redaction.IgnoreFileName, "err", err)
	}
	s.redactor = redaction.New(patterns)

	if s.backend == nil {
		if err := s.openBackend(); err != nil {
			return nil, fmt.Errorf("service.New: %w", err)
		}
	}
	return s, nil
}

func (s *Service) openBackend() error {
	switch s.Config.Persistence.Driver {
	case config.DriverFile:
		if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		s.backend = filestore.New(s.StateDir)
	case config.DriverSQLite:
		if err := os.MkdirAll(s.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		d, err := db.Open(filepath.Join(s.StateDir, "state.db"))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		s.closers = append(s.closers, d)
		s.backend = db.NewBackend(d)
	case config.DriverS3:
		c := s.Config.Persistence.S3
		client := s3store.NewClient(s3store.Config{
			Bucket:   c.Bucket,
			Prefix:   c.Prefix,
			Region:   c.Region,
			Endpoint: c.Endpoint,
		})
		s.backend = s3store.New(client, c.Bucket, c.Prefix)
	case config.DriverMemory:
		s.backend = persist.NewMemory()
	default:
		return fmt.Errorf("unknown persistence driver %q", s.Config.Persistence.Driver)
	}
	return nil
}

// Backend returns the persistence backend in use.
func (s *Service) Backend() persist.Backend { return s.backend }

// Redactor returns the redactor loaded from the home's ignore file.
func (s *Service) Redactor() *redaction.Redactor { return s.redactor }

// Close closes every store handed out by Store, then the remote client and
// the backend.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stores := make([]*syncstore.Store[json.RawMessage], 0, len(s.stores))
	for _, st := range s.stores {
		stores = append(stores, st)
	}
	s.stores = nil
	client := s.client
	s.client = nil
	s.mu.Unlock()

	var errs []error
	for _, st := range stores {
		errs = append(errs, st.Close())
	}
	if client != nil {
		errs = append(errs, client.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Stores
// ---------------------------------------------------------------------------

// Options returns the store options derived from config and the service.
func (s *Service) Options() []syncstore.Option {
	return []syncstore.Option{
		syncstore.WithAutosave(s.Config.Persistence.AutoSave),
		syncstore.WithSync(s.Config.Sync),
		syncstore.WithTimeout(s.Config.Remote.Timeout),
		syncstore.WithLogger(s.log),
		syncstore.WithMetrics(s.metrics),
		syncstore.WithRedactor(s.redactor),
	}
}

// Store returns the shared raw-JSON store for name, initializing it on first
// use. With nothing persisted it starts from the owner's current value when
// the owner answers get_<name>, and from an empty object otherwise. The store
// lives until Close.
func (s *Service) Store(ctx context.Context, name string) (*syncstore.Store[json.RawMessage], error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("service.Store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	owner, err := s.ownerLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.Store %s: %w", name, err)
	}
	st := syncstore.New(name, s.seed(ctx, owner, name), s.backend, owner, s.Options()...)
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("service.Store: %w", err)
	}
	s.stores[name] = st
	return st, nil
}

// caller is implemented by owners that answer queries, such as wsclient.Client.
type caller interface {
	Call(ctx context.Context, command string, arg json.RawMessage) (json.RawMessage, error)
}

func (s *Service) seed(ctx context.Context, owner remote.Owner, name string) json.RawMessage {
	c, ok := owner.(caller)
	if !ok {
		return json.RawMessage(`{}`)
	}
	v, err := c.Call(ctx, models.GetCommandName(name), nil)
	if err != nil || len(v) == 0 || string(v) == "null" {
		s.log.Debug("owner has no value, starting empty", "store", name, "err", err)
		return json.RawMessage(`{}`)
	}
	return v
}

// Open creates and initializes a typed store for name. The caller owns the
// returned store and must Close it. extra options apply after the service's.
func Open[T any](ctx context.Context, s *Service, name string, initial T, extra ...syncstore.Option) (*syncstore.Store[T], error) {
	if err := models.ValidateName(name); err != nil {
		return nil, fmt.Errorf("service.Open: %w", err)
	}
	owner, err := s.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.Open %s: %w", name, err)
	}
	st := syncstore.New(name, initial, s.backend, owner, append(s.Options(), extra...)...)
	if err := st.Init(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("service.Open: %w", err)
	}
	return st, nil
}

// Owner returns the remote owner, dialing remote.url on first use or after
// the previous connection dropped. An empty URL yields remote.Discard.
func (s *Service) Owner(ctx context.Context) (remote.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ownerLocked(ctx)
}

func (s *Service) ownerLocked(ctx context.Context) (remote.Owner, error) {
	if s.owner != nil {
		return s.owner, nil
	}
	if s.Config.Remote.URL == "" {
		return remote.Discard, nil
	}
	if s.client != nil {
		select {
		case <-s.client.Done():
			s.log.Info("remote connection lost, redialing", "url", s.Config.Remote.URL)
			_ = s.client.Close()
			s.client = nil
		default:
			return s.client, nil
		}
	}
	client, err := wsclient.Dial(ctx, s.Config.Remote.URL,
		wsclient.WithLogger(s.log),
		wsclient.WithWriteTimeout(s.Config.Remote.Timeout),
	)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

// ---------------------------------------------------------------------------
// Record access
// ---------------------------------------------------------------------------

// Read returns the persisted value for name without opening a synced store.
func (s *Service) Read(ctx context.Context, name string) (json.RawMessage, error) {
	known, err := s.has(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("service.Read: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("service.Read %s: %w", name, ErrNotFound)
	}
	h, err := s.backend.Open(ctx, name, persist.Options{AutoSave: true})
	if err != nil {
		return nil, fmt.Errorf("service.Read: %w", err)
	}
	defer h.Close()

	raw, ok, err := h.Get(ctx, models.RecordKey)
	if err != nil {
		return nil, fmt.Errorf("service.Read %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("service.Read %s: %w", name, ErrNotFound)
	}
	var env models.Envelope[json.RawMessage]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("service.Read %s: malformed record: %w", name, err)
	}
	return env.Value, nil
}

// Reset deletes the persisted record for name. A store for name handed out
// earlier keeps its in-memory value.
func (s *Service) Reset(ctx context.Context, name string) (bool, error) {
	known, err := s.has(ctx, name)
	if err != nil || !known {
		return false, err
	}
	h, err := s.backend.Open(ctx, name, persist.Options{AutoSave: true})
	if err != nil {
		return false, fmt.Errorf("service.Reset: %w", err)
	}
	defer h.Close()

	_, ok, err := h.Get(ctx, models.RecordKey)
	if err != nil {
		return false, fmt.Errorf("service.Reset %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	if err := h.Delete(ctx, models.RecordKey); err != nil {
		return false, fmt.Errorf("service.Reset %s: %w", name, err)
	}
	return true, nil
}

// Names lists the record sets the backend holds, sorted.
func (s *Service) Names(ctx context.Context) ([]string, error) {
	names, err := s.backend.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("service.Names: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// has reports whether the backend already holds a record set for name, so
// lookups never create one as a side effect.
func (s *Service) has(ctx context.Context, name string) (bool, error) {
	if err := models.ValidateName(name); err != nil {
		return false, err
	}
	names, err := s.backend.Names(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Select evaluates a JSONPath expression such as "$.devices[0].name" against
// raw and returns the selection re-encoded as JSON. An empty path returns raw.
func Select(raw json.RawMessage, path string) (json.RawMessage, error) {
	if path == "" {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("service.Select: %w", err)
	}
	selected, err := jsonpath.Read(doc, path)
	if err != nil {
		return nil, fmt.Errorf("service.Select %s: %w", path, err)
	}
	out, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("service.Select: %w", err)
	}
	return out, nil
}
