package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/statesync/cmd/devices"
	"github.com/tphakala/statesync/cmd/produce"
	"github.com/tphakala/statesync/cmd/serve"
	"github.com/tphakala/statesync/cmd/watch"
	"github.com/tphakala/statesync/internal/buildinfo"
	"github.com/tphakala/statesync/internal/conf"
)

// RootCommand creates and returns the root command. Settings are loaded
// before any sub-command runs; sub-command flags override them.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := &conf.Settings{}
	var configFile string
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "statesync",
		Short:         "Shared state synchronization with a live audio envelope",
		Version:       build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config.yaml (default: search . and the user config directory)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug output")

	// Add sub-commands to the root command.
	devicesCmd := devices.Command()
	subcommands := []*cobra.Command{
		serve.Command(settings, build),
		produce.Command(settings, build),
		watch.Command(settings, build),
		devicesCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Listing devices needs no configuration
		if cmd.Name() == devicesCmd.Name() {
			return nil
		}

		loaded, err := conf.Load(configFile)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		*settings = *loaded
		if cmd.Flags().Changed("debug") {
			settings.Main.Debug = debug
		}
		return nil
	}

	return rootCmd
}
