package produce

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/statesync/internal/app"
	"github.com/tphakala/statesync/internal/buildinfo"
	"github.com/tphakala/statesync/internal/conf"
)

type flags struct {
	url       string
	name      string
	source    string
	file      string
	device    string
	loop      bool
	frequency float64
	rms       bool
}

// Command creates the command publishing an audio envelope
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish the envelope of an audio source",
		Long:  "Capture audio from a tone, wav file or device and publish its (min, max, time) envelope to a player instance.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyFlags(cmd, settings, &f)
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}
			return app.Run(cmd.Context(), settings, build, app.Produce)
		},
	}
	setupFlags(cmd, &f)
	return cmd
}

// setupFlags configures flags specific to the produce command
func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.url, "url", "", "Websocket URL of the state server")
	cmd.Flags().StringVar(&f.name, "name", "", "Name field of the published player instance")
	cmd.Flags().StringVar(&f.source, "source", "", "Audio source: tone, wav or capture")
	cmd.Flags().StringVar(&f.file, "file", "", "Wav file to play, implies --source wav")
	cmd.Flags().StringVar(&f.device, "device", "", "Capture device name or id")
	cmd.Flags().BoolVar(&f.loop, "loop", true, "Restart the wav file at its end")
	cmd.Flags().Float64Var(&f.frequency, "frequency", 0, "Tone frequency in Hz")
	cmd.Flags().BoolVar(&f.rms, "rms", false, "Also publish the RMS level once per cycle")
}

func applyFlags(cmd *cobra.Command, settings *conf.Settings, f *flags) {
	changed := cmd.Flags().Changed
	if changed("url") {
		settings.Client.URL = f.url
	}
	if changed("name") {
		settings.Producer.Name = f.name
	}
	if changed("file") {
		settings.Producer.Source.Type = conf.SourceWAV
		settings.Producer.Source.File = f.file
	}
	if changed("source") {
		settings.Producer.Source.Type = f.source
	}
	if changed("device") {
		settings.Producer.Source.Device = f.device
	}
	if changed("loop") {
		settings.Producer.Source.Loop = f.loop
	}
	if changed("frequency") {
		settings.Producer.Source.Frequency = f.frequency
	}
	if changed("rms") {
		settings.Producer.PublishRMS = f.rms
	}
}
