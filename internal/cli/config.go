package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration winklet would run with: the config file (--config,
WINKLET_CONFIG or ` + DefaultConfigFile + `) over the defaults, then --db and
WINKLET_DATABASE, WINKLET_RELAY_URL and WINKLET_RELAY_LISTEN, validated.

Examples:
  winklet config
  WINKLET_RELAY_URL=ws://relay:7420/ws winklet config --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(rootOpts, cmd)
		},
	}
	return cmd
}

func runConfig(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	data, err := cfg.YAML()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render config", err)
	}
	return NewOutputFormatter(opts, cmd).Emit(cfg, func(w io.Writer) {
		fmt.Fprint(w, string(data))
	})
}
