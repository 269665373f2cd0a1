// Package getcmd implements the `scrybe get` command.
package getcmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	"github.com/synthlabs/scrybe/internal/service"
)

// Command implements `scrybe get`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	path    string
	compact bool
}

// New creates the get command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "get <name>",
		Short: "Print the persisted value of a synced state",
		Args:  cobra.ExactArgs(1),
		RunE:  c.run,
	}
	f := c.cmd.Flags()
	f.StringVar(&c.path, "path", "", "JSONPath selecting part of the value (e.g. $.devices[0].name)")
	f.BoolVar(&c.compact, "compact", false, "Print compact JSON on one line")
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

	value, err := svc.Read(cmd.Context(), args[0])
	if errors.Is(err, service.ErrNotFound) {
		return fmt.Errorf("no value persisted for %q", args[0])
	}
	if err != nil {
		return err
	}
	value, err = service.Select(value, c.path)
	if err != nil {
		return err
	}

	if c.compact {
		fmt.Fprintln(cmd.OutOrStdout(), string(pretty.Ugly(value)))
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), string(pretty.Pretty(value)))
	return nil
}
