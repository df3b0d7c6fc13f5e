package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gopylon/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/gopylon/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gopylon",
	Short: "gopylon — messaging fabric for distributed assistant workers",
	Long: "gopylon runs the three services of the assistant fabric: a relay " +
		"WebSocket hub that routes frames between workers and apps, a beacon " +
		"TCP multiplexer that fans SDK sessions onto one host process, and " +
		"the pylon worker that owns workspaces, conversations, and message logs.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CLAUDE_CONFIG_DIR/config.json or $GOPYLON_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(beaconCmd())
	rootCmd.AddCommand(pylonCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gopylon %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GOPYLON_CONFIG"); v != "" {
		return v
	}
	return config.DefaultPath()
}

// setupLogging installs the process-wide structured logger. The mcp command
// overrides the writer to stderr; everything else logs to stdout.
func setupLogging(w *os.File) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
