// Package shared holds the context passed to all CLI commands.
package shared

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/synthlabs/scrybe/internal/config"
	"github.com/synthlabs/scrybe/internal/service"
)

// Context carries global CLI state (flags set on the root command).
type Context struct {
	// Home overrides the scrybe home directory.
	// When empty, resolution falls through to SCRYBE_HOME env var → persisted config → ~/.scrybe.
	Home string
	// LogLevel overrides log.level from config.yaml.
	LogLevel string

	// Logger is configured by the root command before any subcommand runs.
	Logger *slog.Logger
}

// ResolveHome returns the effective home and where it came from.
func (c *Context) ResolveHome() (path, source string) {
	return config.ResolveHome(c.Home)
}

// Service opens the service for the effective home.
func (c *Context) Service(opts ...service.Option) (*service.Service, error) {
	home, _ := c.ResolveHome()
	return service.New(home, append([]service.Option{service.WithLogger(c.logger())}, opts...)...)
}

// SetupLogging builds Logger from config.yaml and the --log-level flag and
// installs it as the slog default. An unreadable config falls back to the
// default log settings so that commands repairing it still run.
func (c *Context) SetupLogging(w io.Writer) error {
	home, _ := c.ResolveHome()
	cfg, err := config.Load(filepath.Join(home, config.FileName))
	if err != nil {
		cfg = config.Default()
	}

	level := cfg.Log.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	c.Logger = slog.New(h)
	slog.SetDefault(c.Logger)
	return nil
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
