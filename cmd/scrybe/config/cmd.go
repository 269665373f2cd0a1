// Package configcmd implements the `scrybe config` command group.
package configcmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	"github.com/synthlabs/scrybe/internal/config"
)

const configTemplate = `# scrybe configuration

# Where the file and sqlite drivers keep state. Relative paths resolve
# against the scrybe home. Default: <home>/state
# state_dir: state

# Set to false to load and receive updates without writing or pushing.
sync: true

persistence:
  driver: file                  # file | sqlite | s3 | memory
  autosave: true                # false stages writes until a flush
  # s3:
  #   bucket: my-bucket
  #   prefix: scrybe/
  #   region: us-east-1
  #   endpoint: http://localhost:9000   # MinIO and other S3-compatible stores

# Hub that owns the shared copy of every state. Empty keeps state local.
remote:
  url: ""                       # e.g. ws://127.0.0.1:3030/ws
  timeout: 5s

# Settings for ` + "`scrybe serve`" + `.
hub:
  addr: 127.0.0.1:3030
  db: hub.db

log:
  level: info                   # debug | info | warn | error
  format: text                  # text | json
`

// Command implements `scrybe config`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the config command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "config",
		Short: "Show or manage configuration",
		RunE:  c.runShow,
	}
	c.cmd.AddCommand(
		newConfigInit(ctx),
		newSetHome(ctx),
		newClearHome(ctx),
	)
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) runShow(cmd *cobra.Command, _ []string) error {
	home, source := c.ctx.ResolveHome()
	cfg, err := config.Load(filepath.Join(home, config.FileName))
	if err != nil {
		return err
	}
	data := map[string]any{
		"state_dir": cfg.ResolveStateDir(home),
		"sync":      cfg.Sync,
		"persistence": map[string]any{
			"driver":   cfg.Persistence.Driver,
			"autosave": cfg.Persistence.AutoSave,
		},
		"remote": map[string]any{
			"url":     cfg.Remote.URL,
			"timeout": cfg.Remote.Timeout.String(),
		},
		"hub": map[string]any{
			"addr": cfg.Hub.Addr,
			"db":   cfg.ResolveHubDB(home),
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
		"home":        home,
		"home_source": source,
	}
	if cfg.Persistence.Driver == config.DriverS3 {
		data["persistence"].(map[string]any)["s3"] = map[string]any{
			"bucket":   cfg.Persistence.S3.Bucket,
			"prefix":   cfg.Persistence.S3.Prefix,
			"region":   cfg.Persistence.S3.Region,
			"endpoint": cfg.Persistence.S3.Endpoint,
		}
	}
	b, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(b))
	return nil
}

// ---------------------------------------------------------------------------
// config init
// ---------------------------------------------------------------------------

func newConfigInit(ctx *shared.Context) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, _ := ctx.ResolveHome()
			cfgPath := filepath.Join(home, config.FileName)
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", cfgPath)
				fmt.Fprintln(out, "Use --force to overwrite.")
				return nil
			}
			if err := os.MkdirAll(home, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(out, "Created %s\n", cfgPath)
			fmt.Fprintln(out, "Set remote.url to share state through a hub.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config")
	return cmd
}

// ---------------------------------------------------------------------------
// config set-home
// ---------------------------------------------------------------------------

func newSetHome(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "set-home <path>",
		Short: "Persist scrybe home location (used when SCRYBE_HOME is unset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.SetPersistedHome(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(resolved, 0o755); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Persisted scrybe home: %s\n", resolved)
			fmt.Fprintln(out, "Override anytime with SCRYBE_HOME or --home.")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// config clear-home
// ---------------------------------------------------------------------------

func newClearHome(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-home",
		Short: "Remove persisted scrybe home location from global config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed, err := config.ClearPersistedHome()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if changed {
				fmt.Fprintln(out, "Cleared persisted scrybe home setting.")
			} else {
				fmt.Fprintln(out, "No persisted scrybe home setting was found.")
			}
			return nil
		},
	}
}
