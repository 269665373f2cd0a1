// Package setcmd implements the `scrybe set` command.
package setcmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
)

// Command implements `scrybe set`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the set command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "set <name> <json|->",
		Short: "Replace a synced state, persisting it and pushing it to the hub",
		Long: "Replace a synced state. The value is written to persistence and sent to the hub\n" +
			"configured as remote.url. Pass - to read the value from stdin.",
		Args: cobra.ExactArgs(2),
		RunE: c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	name, raw := args[0], args[1]
	if raw == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("set: read stdin: %w", err)
		}
		raw = string(b)
	}
	raw = strings.TrimSpace(raw)
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("set: value is not valid JSON")
	}
	if raw == "null" {
		return fmt.Errorf("set: value must not be null")
	}

	svc, err := c.ctx.Service()
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := svc.Store(cmd.Context(), name)
	if err != nil {
		return err
	}
	if err := st.Set(json.RawMessage(raw)); err != nil {
		return err
	}
	// Drain the outbox and make staged writes durable before exiting.
	if err := st.Flush(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s (version %d)\n", name, st.Version())
	return nil
}
