// AgSys Irrigation Node
// Main entry point for the field irrigation controller
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agsys/irrigation-node/internal/config"
	"github.com/agsys/irrigation-node/internal/engine"
	"github.com/agsys/irrigation-node/internal/logger"
)

var version = "0.1.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "irrigation-node",
		Short: "AgSys Irrigation Node",
		Long:  "Field irrigation controller. Samples soil and air, syncs with the AgSys backend, and drives the pump and zone valves.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node service",
		RunE:  runNode,
	}

	checkCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE:  checkConfig,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AgSys Irrigation Node v%s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/agsys/irrigation-node.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok (device %s, %d zones, driver %s)\n",
		configFile, cfg.Device.ID, len(cfg.Zones), cfg.Hardware.Driver)
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level)
	defer log.Sync()

	eng, err := engine.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Infow("starting irrigation node", "version", version, "device", cfg.Device.ID,
		"firmware", cfg.Device.FirmwareVersion)
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	sig := <-sigChan
	log.Infow("received signal, shutting down", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		log.Errorw("error during shutdown", "err", err)
	}

	log.Infow("shutdown complete")
	return nil
}
