package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"happy-sync/internal/protocol"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show client and server versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "client  %s (protocol %d)\n", version, protocol.Version)

		env, err := loadEnv()
		if err != nil {
			return err
		}
		v, err := env.api.Version(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "server  %s\n", errorStyle.Render(err.Error()))
			return nil
		}
		fmt.Fprintf(out, "server  %s (protocol %d)\n", v.Version, v.ProtocolVersion)
		if v.ProtocolVersion != protocol.Version || v.UpdateRequired {
			fmt.Fprintln(out, warningStyle.Render("Protocol mismatch: update the client."))
		}
		return nil
	},
}
