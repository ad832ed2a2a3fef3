package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

type devicesResponse struct {
	Devices          []device `json:"devices"`
	CaptureAvailable bool     `json:"capture_available"`
}

// NewDevicesCmd creates the devices command.
func NewDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			var resp devicesResponse
			if err := client.Get(cmd.Context(), "/devices", nil, &resp); err != nil {
				return writeCommandError(cmd, err)
			}
			if jsonMode(cmd) {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			if len(resp.Devices) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("No capture devices available"))
				return nil
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "LABEL", "KIND")
			for _, d := range resp.Devices {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Label, d.Kind)
			}
			return tw.Flush()
		},
	}
}
