//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/gopylon/internal/config"
)

// initTailscale is a stub for default builds. Build with -tags tsnet to
// serve the relay on a tailnet listener.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux, logger *slog.Logger) func() {
	if cfg.Relay.Tailscale.Hostname != "" {
		logger.Info("tailscale configured but not compiled in; rebuild with -tags tsnet",
			"hostname", cfg.Relay.Tailscale.Hostname)
	}
	return nil
}
