package devices

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/statesync/internal/myaudio"
)

// Command creates the command listing audio capture devices
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture devices",
		Long:  "Print the capture devices usable as producer.source.device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := myaudio.ListDevices()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devices) == 0 {
				_, _ = fmt.Fprintln(out, "no capture devices found")
				return nil
			}
			for _, d := range devices {
				_, _ = fmt.Fprintf(out, "%-40s %s\n", d.Name, d.ID)
			}
			return nil
		},
	}
}
