package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gopylon/internal/beacon"
	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/sdk"
)

func beaconCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "beacon",
		Short: "Run the TCP multiplexer that fronts the SDK for worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBeacon(cmd.Flags().Changed("port"), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides BEACON_PORT env and config)")
	return cmd
}

func runBeacon(portSet bool, port int) error {
	logger := setupLogging(os.Stdout)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Beacon.Port, err = resolvePort(portSet, port, "BEACON_PORT", cfg.Beacon.Port)
	if err != nil {
		return err
	}

	// One SDK instance per host; workers reach it through this process.
	server, err := beacon.NewServer(cfg, &sdk.CLIAdapter{Logger: logger})
	if err != nil {
		return err
	}
	server.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Start(ctx)
}
