//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/gopylon/internal/config"
)

// initTailscale serves the relay mux on a tailnet listener alongside the
// plain TCP one. Returns a cleanup func, or nil when no hostname is
// configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux, logger *slog.Logger) func() {
	ts := cfg.Relay.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	stateDir := ts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(config.Dir(), "tsnet")
	}
	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		AuthKey:   os.Getenv("GOPYLON_TSNET_AUTH_KEY"),
		Ephemeral: ts.Ephemeral,
		Logf:      func(format string, args ...any) {}, // tsnet is chatty; surface errors via UserLogf
		UserLogf: func(format string, args ...any) {
			logger.Debug("tsnet", "msg", fmt.Sprintf(format, args...))
		},
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		logger.Warn("tsnet listener unavailable", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}
	logger.Info("tsnet listener started", "hostname", ts.Hostname)

	httpSrv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("tsnet serve stopped", "error", err)
		}
	}()

	return func() { srv.Close() }
}
