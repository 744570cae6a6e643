package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/willdady/foreman/pkg/agent"
	"github.com/willdady/foreman/pkg/config"
	"github.com/willdady/foreman/pkg/log"
	"github.com/willdady/foreman/pkg/runtime"
	"github.com/willdady/foreman/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "foreman runs container jobs pulled from a control plane",
	Long: `foreman polls a control plane for container jobs, runs each to
completion via containerd, and reports progress back over HTTP callbacks.`,
	Version: version.Version,
	RunE:    run,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to foreman.toml (overrides FOREMAN_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	rootCmd.PersistentFlags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
		if err := os.Setenv("FOREMAN_CONFIG", configPath); err != nil {
			return fmt.Errorf("setting FOREMAN_CONFIG: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	rt, err := runtime.NewContainerdRuntime(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to containerd at %s: %w", socketPath, err)
	}
	defer rt.Close()

	a, err := agent.New(cfg, rt)
	if err != nil {
		return fmt.Errorf("constructing agent: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- a.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("signal received, shutting down")
	case err := <-serverErrCh:
		if err != nil {
			return fmt.Errorf("http server exited: %w", err)
		}
	}

	a.Shutdown()
	return nil
}
