// Command volserve runs the remote volume rendering server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "volserve",
		Short: "Remote volume rendering server",
		Long: `volserve renders 3D scalar volumes for remote clients.

Clients connect over TCP, send a viewport and a volume (or the path of a
volume stored on the server), then stream camera updates and receive
rendered frames.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
