//go:build !otel

package tracing

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/gopylon/internal/config"
)

// Init is the default-build stand-in. OTLP export: compiled via build tags.
// Build with 'go build -tags otel' to enable.
func Init(_ context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if cfg.Enabled {
		slog.Warn("telemetry enabled in config but otel support is not compiled in (build with -tags otel)")
	}
	return nil, nil
}
