// Package cli implements vigilctl, the operator CLI for a running Vigil server.
package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const AppName = "vigilctl"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

const defaultServer = "http://localhost:8080"

// NewRootCmd creates the vigilctl root command.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Control a Vigil server",
		Long:          "vigilctl manages the agents, detections and capture devices of a running Vigil server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	server := os.Getenv("VIGIL_SERVER")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().String("server", server, "Vigil server URL")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		NewAgentsCmd(),
		NewDetectionsCmd(),
		NewDevicesCmd(),
		NewEventsCmd(),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd(Version).Execute()
}

func clientFor(cmd *cobra.Command) (*Client, error) {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return NewClient(server, timeout)
}

func jsonMode(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}
