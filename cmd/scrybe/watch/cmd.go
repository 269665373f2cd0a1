// Package watchcmd implements the `scrybe watch` command.
package watchcmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	"github.com/synthlabs/scrybe/internal/service"
	"github.com/synthlabs/scrybe/internal/syncstore"
)

// Command implements `scrybe watch`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	count int
}

// New creates the watch command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "watch <name>",
		Short: "Print each value of a synced state as a JSON line until interrupted",
		Long: "Print the current value of a synced state, then every update the hub sends,\n" +
			"one compact JSON document per line. The watcher never writes or pushes.",
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	c.cmd.Flags().IntVar(&c.count, "count", 0, "Exit after printing this many values (0 = until interrupted)")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := c.ctx.Service()
	if err != nil {
		return err
	}
	defer svc.Close()

	st, err := service.Open[json.RawMessage](ctx, svc, args[0], nil, syncstore.WithSync(false))
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	done := make(chan struct{})
	printed := 0
	// Deliveries are serialized, so printed needs no lock.
	cancel := st.Subscribe(func(v json.RawMessage) {
		if len(v) == 0 || (c.count > 0 && printed >= c.count) {
			return
		}
		fmt.Fprintln(out, string(pretty.Ugly(v)))
		printed++
		if c.count > 0 && printed == c.count {
			close(done)
		}
	})
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
