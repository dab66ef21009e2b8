package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/schnellkernel/internal/config"
)

var configFile string

// rootCmd is the base command; the subcommands do the work.
var rootCmd = &cobra.Command{
	Use:   "schnellkernel",
	Short: "Jupyter kernel for the expr expression language",
	Long: `schnellkernel speaks the Jupyter messaging protocol over ZeroMQ and
evaluates cells with the expr expression language.

Register it with Jupyter via 'schnellkernel install'; front ends then start it
with 'schnellkernel run --connection-file <file>'.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.GetConfigPath(), "Kernel configuration file (JSON)")
}
