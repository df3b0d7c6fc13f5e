package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/relay"
)

func relayCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the WebSocket hub that routes frames between workers and apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Flags().Changed("port"), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides PORT env and config)")
	return cmd
}

// resolvePort layers flag over env over config and validates the winner.
func resolvePort(flagSet bool, flagPort int, envName string, cfgPort int) (int, error) {
	port := cfgPort
	if v := os.Getenv(envName); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s=%q is not a number", envName, v)
		}
		port = p
	}
	if flagSet {
		port = flagPort
	}
	if err := config.ValidatePort(port); err != nil {
		return 0, err
	}
	return port, nil
}

func runRelay(portSet bool, port int) error {
	logger := setupLogging(os.Stdout)
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Relay.Port, err = resolvePort(portSet, port, "PORT", cfg.Relay.Port)
	if err != nil {
		return err
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		return err
	}
	server.SetLogger(logger)
	if clientID := cfg.Relay.OAuth.ClientID; clientID != "" {
		server.SetVerifier(&relay.GoogleVerifier{ClientID: clientID})
		logger.Info("google sign-in enabled", "clientId", clientID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Auth config (IP whitelist, OAuth allow-list, viewer types) hot-reloads;
	// host and port stay fixed for the process lifetime.
	go func() {
		if err := config.Watch(ctx, cfgPath, func(fresh *config.Config) {
			server.ApplyConfig(fresh)
		}); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	// The tsnet listener serves the same mux when compiled with -tags tsnet.
	if cleanup := initTailscale(ctx, cfg, server.BuildMux(), logger); cleanup != nil {
		defer cleanup()
	}

	return server.Start(ctx)
}
