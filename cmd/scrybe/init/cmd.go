// Package initcmd implements the `scrybe init` command.
package initcmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	"github.com/synthlabs/scrybe/internal/config"
)

// Command implements `scrybe init`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the init command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "init",
		Short: "Initialize the scrybe home and state directory",
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	home, _ := c.ctx.ResolveHome()
	cfg, err := config.Load(filepath.Join(home, config.FileName))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	stateDir := cfg.ResolveStateDir(home)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scrybe home initialized at %s\n", home)
	fmt.Fprintf(out, "State directory: %s\n", stateDir)
	return nil
}
