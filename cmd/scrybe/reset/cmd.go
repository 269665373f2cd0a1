// Package resetcmd implements the `scrybe reset` command.
package resetcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
)

// Command implements `scrybe reset`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the reset command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "reset <name>",
		Short: "Delete the persisted value of a synced state",
		Long: "Delete the persisted value of a synced state. The next store to open it\n" +
			"starts from its default. The hub keeps its own copy.",
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	svc, err := c.ctx.Service()
	if err != nil {
		return err
	}
	defer svc.Close()

	removed, err := svc.Reset(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Nothing persisted for %s\n", args[0])
	}
	return nil
}
