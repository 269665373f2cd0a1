// Package servecmd implements the `scrybe serve` command.
package servecmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	"github.com/synthlabs/scrybe/internal/config"
	"github.com/synthlabs/scrybe/internal/db"
	"github.com/synthlabs/scrybe/internal/hub"
	"github.com/synthlabs/scrybe/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Command implements `scrybe serve`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	addr string
}

// New creates the serve command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the hub that owns the shared copy of every synced state",
		Long: "Run the hub. Stores connect to /ws (point remote.url at it); the HTTP API\n" +
			"serves /healthz, /states, /states/{name} and /metrics.",
		Args: cobra.NoArgs,
		RunE: c.run,
	}
	c.cmd.Flags().StringVar(&c.addr, "addr", "", "Listen address (default: hub.addr from config.yaml)")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	home, _ := c.ctx.ResolveHome()
	cfg, err := config.Load(filepath.Join(home, config.FileName))
	if err != nil {
		return err
	}
	addr := c.addr
	if addr == "" {
		addr = cfg.Hub.Addr
	}

	dbPath := cfg.ResolveHubDB(home)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	d, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer d.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	log := slog.Default()
	h := hub.New(db.NewBackend(d),
		hub.WithLogger(log),
		hub.WithMetrics(metrics.New(reg)),
	)
	defer h.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	srv := &http.Server{
		Handler:           h.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	base := "http://" + ln.Addr().String()
	fmt.Fprintf(cmd.OutOrStdout(), "Hub listening on %s (websocket %s/ws, db %s)\n",
		base, "ws://"+ln.Addr().String(), dbPath)
	log.Info("hub started", "addr", ln.Addr().String(), "db", dbPath)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("hub shutting down")
	// Websocket connections are hijacked, so Shutdown does not wait for them;
	// h.Close (deferred) disconnects them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	return nil
}
