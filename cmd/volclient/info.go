package main

import (
	"fmt"
	"strings"

	"github.com/cyberinferno/volserve/client"
	"github.com/spf13/cobra"
)

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the renderers and load of a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")

			info, err := client.GetInfo(cmd.Context(), client.DefaultConfig(addr))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Server:    %s\n", addr)
			fmt.Fprintf(out, "Renderers: %s\n", strings.Join(info.Renderers, ", "))
			fmt.Fprintf(out, "Load:      %d\n", info.Load)
			return nil
		},
	}
}
