package main

import (
	"github.com/spf13/cobra"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

const defaultConfigPath = "/etc/cropsteer/config.yaml"

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "cropsteerd",
		Short: "Autonomous crop-steering irrigation controller",
		Long: `cropsteerd drives substrate irrigation through the four daily phases
(dryback, ramp-up, maintenance, pre-dark) from fused soil-sensor readings,
actuating pumps and valves through a host-automation bridge.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "parameter file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "verbose development logging")

	cmd.AddCommand(
		newRunCommand(opts),
		newInspectCommand(opts),
		newRestoreCommand(opts),
	)
	return cmd
}
