// Package mcpcmd implements the `scrybe mcp` command.
package mcpcmd

import (
	"github.com/spf13/cobra"

	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	internalmcp "github.com/synthlabs/scrybe/internal/mcp"
)

// Command implements `scrybe mcp`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the mcp command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "mcp",
		Short: "Start the scrybe MCP server (stdio transport)",
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	svc, err := c.ctx.Service()
	if err != nil {
		return err
	}
	defer svc.Close()
	return internalmcp.Serve(cmd.Context(), svc)
}
