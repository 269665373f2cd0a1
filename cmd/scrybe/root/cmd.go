// Package rootcmd wires the root cobra.Command for the scrybe CLI binary.
package rootcmd

import (
	"github.com/spf13/cobra"

	configcmd "github.com/synthlabs/scrybe/cmd/scrybe/config"
	getcmd "github.com/synthlabs/scrybe/cmd/scrybe/get"
	initcmd "github.com/synthlabs/scrybe/cmd/scrybe/init"
	listcmd "github.com/synthlabs/scrybe/cmd/scrybe/list"
	mcpcmd "github.com/synthlabs/scrybe/cmd/scrybe/mcp"
	resetcmd "github.com/synthlabs/scrybe/cmd/scrybe/reset"
	servecmd "github.com/synthlabs/scrybe/cmd/scrybe/serve"
	setcmd "github.com/synthlabs/scrybe/cmd/scrybe/set"
	"github.com/synthlabs/scrybe/cmd/scrybe/shared"
	watchcmd "github.com/synthlabs/scrybe/cmd/scrybe/watch"
	"github.com/synthlabs/scrybe/internal/buildinfo"
)

// New creates and returns the root cobra.Command for the scrybe CLI.
func New() *cobra.Command {
	ctx := &shared.Context{}

	root := &cobra.Command{
		Use:           "scrybe",
		Short:         "Scrybe keeps JSON state in sync across processes",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.SetupLogging(cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}
	root.SetVersionTemplate("scrybe " + buildinfo.String() + "\n")

	root.PersistentFlags().StringVar(
		&ctx.Home, "home", "",
		"Override scrybe home directory (default: $SCRYBE_HOME env → persisted config → ~/.scrybe)",
	)
	root.PersistentFlags().StringVar(
		&ctx.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: log.level from config.yaml)",
	)

	root.AddCommand(
		initcmd.New(ctx).Cmd(),
		getcmd.New(ctx).Cmd(),
		setcmd.New(ctx).Cmd(),
		resetcmd.New(ctx).Cmd(),
		listcmd.New(ctx).Cmd(),
		watchcmd.New(ctx).Cmd(),
		servecmd.New(ctx).Cmd(),
		configcmd.New(ctx).Cmd(),
		mcpcmd.New(ctx).Cmd(),
	)

	return root
}
