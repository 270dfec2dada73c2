package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.olrik.dev/frontman/internal/core"
)

func NewVersionCommand() *cobra.Command {
	var short bool

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), core.FormatVersion(core.Version))
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), core.VersionLine())
		},
	}
	versionCmd.Flags().BoolVarP(&short, "short", "s", false, "print only the version number")

	return versionCmd
}
