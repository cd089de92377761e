// Command volclient is a diagnostic client for volserve.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "volclient",
		Short:         "Diagnostic client for a volserve server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("addr", "localhost:31050", "Server address")

	rootCmd.AddCommand(
		infoCmd(),
		renderCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
