package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/codefionn/schnellkernel/internal/kernel"
)

var (
	installName        string
	installPrefix      string
	installDisplayName string
)

// installCmd registers the kernel with Jupyter by writing a kernelspec.
var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the Jupyter kernelspec",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}

		dir, err := kernel.KernelsDir(installPrefix)
		if err != nil {
			return err
		}
		path, err := kernel.Install(dir, installName, kernel.NewKernelspec(exe, installDisplayName))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed kernelspec %s in %s\n", installName, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
	installCmd.Flags().StringVar(&installName, "name", "schnellkernel", "Kernelspec name")
	installCmd.Flags().StringVar(&installPrefix, "prefix", "", "Install under <prefix>/share/jupyter/kernels instead of the user data dir")
	installCmd.Flags().StringVar(&installDisplayName, "display-name", "Schnell (expr)", "Name shown by front ends")
}
