package cmd

import (
	"github.com/spf13/cobra"

	"go.olrik.dev/frontman/internal/core"
	"go.olrik.dev/frontman/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	optionsPath string
	verbose     int
	quiet       bool
}

func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "frontman",
		Short: "Frontman - companion supervisor and request router",
		Long: `Frontman runs a companion process next to an application and routes
selected request paths through it.

The companion receives a generated configuration, reports its listening
address back on a side channel and is restarted when it crashes. Requests
it sends back to the application carry a shared secret and skip routing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbosity := flags.verbose
			if flags.quiet {
				verbosity = -1
			}
			logging.Setup(verbosity)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.optionsPath, "config", "c", core.DefaultOptionsFile, "options file")
	rootCmd.PersistentFlags().CountVarP(&flags.verbose, "verbose", "v", "more output, repeat for even more")
	rootCmd.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "only log warnings and errors")

	rootCmd.AddCommand(
		NewRunCommand(flags),
		NewCheckCommand(flags),
		NewEventsCommand(flags),
		NewVersionCommand(),
	)

	return rootCmd
}
