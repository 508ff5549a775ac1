package serve

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/statesync/internal/app"
	"github.com/tphakala/statesync/internal/buildinfo"
	"github.com/tphakala/statesync/internal/conf"
)

type flags struct {
	listen     string
	path       string
	schemaFile string
	mqtt       bool
	telemetry  bool
}

// Command creates the command running the state server
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the state server",
		Long:  "Serve shared state instances over websocket, optionally bridging them to MQTT.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cmd, settings, &f)
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}
			return app.Run(cmd.Context(), settings, build, app.Serve)
		},
	}
	setupFlags(cmd, &f)
	return cmd
}

// setupFlags configures flags specific to the serve command
func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "Listen address of the state server")
	cmd.Flags().StringVar(&f.path, "path", "", "Websocket path")
	cmd.Flags().StringVar(&f.schemaFile, "schema-file", "", "YAML file with additional schemas")
	cmd.Flags().BoolVar(&f.mqtt, "mqtt", false, "Bridge state to the configured MQTT broker")
	cmd.Flags().BoolVar(&f.telemetry, "telemetry", false, "Serve Prometheus metrics on the telemetry listener")
}

func applyFlags(cmd *cobra.Command, settings *conf.Settings, f *flags) {
	if cmd.Flags().Changed("listen") {
		settings.Server.Listen = f.listen
	}
	if cmd.Flags().Changed("path") {
		settings.Server.Path = f.path
	}
	if cmd.Flags().Changed("schema-file") {
		settings.SchemaFile = f.schemaFile
	}
	if cmd.Flags().Changed("mqtt") {
		settings.MQTT.Enabled = f.mqtt
	}
	if cmd.Flags().Changed("telemetry") {
		settings.Telemetry.Enabled = f.telemetry
	}
}
