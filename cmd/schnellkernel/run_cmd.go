package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/schnellkernel/internal/config"
	"github.com/codefionn/schnellkernel/internal/kernel"
	"github.com/codefionn/schnellkernel/internal/logger"
	"github.com/codefionn/schnellkernel/internal/pidfile"
)

var (
	connectionFile  string
	logLevel        string
	logPath         string
	pidFile         string
	diagnosticsAddr string
)

// runCmd starts a kernel for a connection file written by the front end.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel",
	Long:  "Bind the sockets described by the connection file and serve requests until a shutdown_request arrives or the process is signalled.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runKernel(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&connectionFile, "connection-file", "f", "", "Jupyter connection file")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	runCmd.Flags().StringVar(&logPath, "log-path", "", `Log file, "-" for stderr`)
	runCmd.Flags().StringVar(&pidFile, "pid-file", "", "Write the kernel's pid to this file")
	runCmd.Flags().StringVar(&diagnosticsAddr, "diagnostics-addr", "", "Serve diagnostics over HTTP on this address")
	_ = runCmd.MarkFlagRequired("connection-file")
}

func runKernel(parent context.Context) (err error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPath != "" {
		cfg.LogPath = logPath
	}
	if diagnosticsAddr != "" {
		cfg.DiagnosticsAddr = diagnosticsAddr
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	defer log.Close()

	conn, err := config.LoadConnection(connectionFile)
	if err != nil {
		return err
	}

	if pidFile != "" {
		pf, err := pidfile.Acquire(pidFile)
		if err != nil {
			return err
		}
		defer func() {
			if rerr := pf.Release(); rerr != nil {
				log.Warn("%v", rerr)
			}
		}()
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	k, err := kernel.New(kernel.Options{
		Connection: conn,
		Config:     cfg,
		ConfigPath: configFile,
		Log:        log,
	})
	if err != nil {
		return err
	}

	restart, err := k.Run(ctx)
	if err != nil {
		return err
	}
	if restart {
		log.Info("Exiting for restart; the front end starts a new process")
	}
	return nil
}
