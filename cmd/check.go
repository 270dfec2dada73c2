package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.olrik.dev/frontman/internal/core"
	"go.olrik.dev/frontman/internal/engine"
)

func NewCheckCommand(flags *globalFlags) *cobra.Command {
	var format string

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the options and print the companion configuration",
		Long: `Validate the options file and the partial companion document, then print
the configuration the companion would receive. The shared secret is
redacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}
			return check(cmd.OutOrStdout(), opts, format, slog.Default())
		},
	}
	checkCmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")

	return checkCmd
}

func check(w io.Writer, opts *core.Options, format string, logger *slog.Logger) error {
	appPort, err := listenPort(opts.Listen)
	if err != nil {
		return err
	}
	if appPort == 0 {
		// The real port is only known once run binds the listener.
		appPort = opts.App.Port
	}

	eo, err := engineOptions(opts, appPort, logger)
	if err != nil {
		return err
	}
	e, err := engine.New(eo)
	if err != nil {
		return err
	}
	config := e.Config()

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(config)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any(config))
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
