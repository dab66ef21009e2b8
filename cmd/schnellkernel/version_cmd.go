package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codefionn/schnellkernel/internal/kernel"
	"github.com/codefionn/schnellkernel/internal/wire"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (protocol %s)\n", kernel.Implementation, kernel.Version, wire.ProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
