package syncstore

import (
	"log/slog"
	"time"

	"github.com/synthlabs/scrybe/internal/metrics"
	"github.com/synthlabs/scrybe/internal/redaction"
)

// DefaultTimeout bounds each outbound persistence write and remote call.
const DefaultTimeout = 5 * time.Second

type options struct {
	autosave bool
	sync     bool
	logger   *slog.Logger
	timeout  time.Duration
	metrics  *metrics.Metrics
	redactor *redaction.Redactor
}

func defaultOptions() options {
	return options{
		autosave: true,
		sync:     true,
		logger:   slog.Default(),
		timeout:  DefaultTimeout,
	}
}

// Option configures a Store.
type Option func(*options)

// WithAutosave selects whether persistence writes are durable immediately.
// With autosave off, writes are staged until Flush.
func WithAutosave(on bool) Option {
	return func(o *options) { o.autosave = on }
}

// WithSync enables or disables outbound work. A store with sync off still
// loads at Init and applies remote updates, but never writes or pushes.
func WithSync(on bool) Option {
	return func(o *options) { o.sync = on }
}

// WithLogger sets the logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout bounds each outbound call. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithMetrics records outbound results, suppressed echoes and remote updates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRedactor scrubs payload snippets included in diagnostics.
func WithRedactor(r *redaction.Redactor) Option {
	return func(o *options) { o.redactor = r }
}
