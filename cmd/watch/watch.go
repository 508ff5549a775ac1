package watch

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tphakala/statesync/internal/app"
	"github.com/tphakala/statesync/internal/buildinfo"
	"github.com/tphakala/statesync/internal/conf"
)

type flags struct {
	url      string
	name     string
	width    int
	announce bool
}

// Command creates the command drawing published envelopes
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Draw the envelope of matching player instances",
		Long:  "Discover player instances by name and draw every envelope block they publish as a text bar.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cmd, settings, &f)
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return app.Run(cmd.Context(), settings, build, func(ctx context.Context, rt *app.Runtime) error {
				return app.Watch(ctx, rt, out)
			})
		},
	}
	setupFlags(cmd, &f)
	return cmd
}

// setupFlags configures flags specific to the watch command
func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.url, "url", "", "Websocket URL of the state server")
	cmd.Flags().StringVar(&f.name, "name", "", "Only draw player instances with this name")
	cmd.Flags().IntVar(&f.width, "width", 0, "Bar width in characters")
	cmd.Flags().BoolVar(&f.announce, "announce", false, "Also publish a player instance for this watcher")
}

func applyFlags(cmd *cobra.Command, settings *conf.Settings, f *flags) {
	if cmd.Flags().Changed("url") {
		settings.Client.URL = f.url
	}
	if cmd.Flags().Changed("name") {
		settings.Watch.Name = f.name
	}
	if cmd.Flags().Changed("width") {
		settings.Watch.Width = f.width
	}
	if cmd.Flags().Changed("announce") {
		settings.Watch.Announce = f.announce
	}
}
