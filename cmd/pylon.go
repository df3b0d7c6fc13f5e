package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/gopylon/internal/beacon"
	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/maintenance"
	"github.com/nextlevelbuilder/gopylon/internal/pidfile"
	"github.com/nextlevelbuilder/gopylon/internal/pylon"
	"github.com/nextlevelbuilder/gopylon/internal/session"
	"github.com/nextlevelbuilder/gopylon/internal/store"
	"github.com/nextlevelbuilder/gopylon/internal/store/file"
	"github.com/nextlevelbuilder/gopylon/internal/store/pg"
	"github.com/nextlevelbuilder/gopylon/internal/store/sqlite"
	"github.com/nextlevelbuilder/gopylon/internal/thumbs"
	"github.com/nextlevelbuilder/gopylon/internal/toolserver"
	"github.com/nextlevelbuilder/gopylon/internal/tracing"
	"github.com/nextlevelbuilder/gopylon/internal/workspace"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

func pylonCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "pylon",
		Short: "Run a worker: workspace tree, message log, relay link, tool server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPylon(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", `id environment: release, stage, or dev (overrides config)`)
	return cmd
}

func runPylon(envFlag string) error {
	logger := setupLogging(os.Stdout)
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if envFlag != "" {
		cfg.Env = envFlag
	}
	env, err := ids.ParseEnv(cfg.Env)
	if err != nil {
		return err
	}
	pylonID, err := ids.EncodePylon(env, cfg.Pylon.DeviceIndex)
	if err != nil {
		return err
	}

	dataDir := cfg.DataDir()
	pidPath := filepath.Join(dataDir, "pylon.pid")
	if pid, err := pidfile.Read(pidPath); err == nil && pidfile.Alive(pid) {
		return fmt.Errorf("another pylon is already running (pid %d)", pid)
	}
	if err := pidfile.Write(pidPath, func(pid int, alive bool) {
		logger.Info("replacing stale pidfile", "pid", pid)
	}); err != nil {
		return err
	}
	defer func() { _ = pidfile.Remove(pidPath) }()

	st, err := openStore(cfg, dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	wsStore, err := file.NewWorkspaceStore(dataDir)
	if err != nil {
		return err
	}
	ws, err := workspace.NewManager(pylonID, wsStore)
	if err != nil {
		return err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if _, err := ws.EnsureDefault(home); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("telemetry init failed", "error", err)
	}
	if shutdownTracing != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	// SDK turns go through the beacon on this host. The session manager
	// needs its consumer at construction and the worker needs the manager;
	// the indirection closes the cycle before any event can flow.
	bc := beacon.NewClient(cfg.BeaconAddr())
	var consume session.Consumer = func(session.Event) {}
	sessions := session.NewManager(bc, func(e session.Event) { consume(e) },
		session.WithLogger(logger),
		session.WithMcpServers(fabricMcpServers(cfgPath)))
	worker := pylon.NewWorker(cfg, ws, st, sessions)
	worker.SetLogger(logger)
	consume = worker.Consumer()

	toolsrv := toolserver.NewServer(cfg.ToolServerAddr(), toolserver.Deps{
		Workspaces: ws,
		Store:      st,
		Thumbs:     &thumbs.ImageThumbnailer{},
		Lookup: func(ctx context.Context, toolUseID string) (ids.ConvID, error) {
			res, err := bc.Lookup(ctx, toolUseID)
			if err != nil {
				return 0, err
			}
			return res.ConvID, nil
		},
		OnConversationCreate: func(ids.ConvID) { worker.AnnounceWorkspaces() },
		OnFileAttachment:     worker.AnnounceFile,
	})
	toolsrv.SetLogger(logger)

	maint, err := maintenance.New(st, ws, cfg.Storage.MaintenanceSchedule, logger)
	if err != nil {
		return err
	}

	// Registration is best-effort: without a beacon the worker still serves
	// apps, and each turn reports the dial failure on its own.
	ep := beacon.Endpoint{McpHost: cfg.Pylon.McpHost, McpPort: cfg.Pylon.McpPort}
	if err := bc.Register(ctx, pylonID, ep, false); err != nil {
		logger.Warn("beacon registration failed", "error", err)
	} else {
		defer func() {
			offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = bc.Unregister(offCtx, pylonID)
		}()
	}

	logger.Info("pylon starting",
		"pylonId", int(pylonID),
		"env", env.String(),
		"dataDir", dataDir,
		"backend", storageBackend(cfg),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return toolsrv.Start(ctx) })
	g.Go(func() error {
		if err := maint.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

// fabricMcpServers advertises this binary's mcp subcommand to the SDK so
// sessions can call the fabric tools. The spawned process inherits the
// pylon's config path and resolves the tool server from it.
func fabricMcpServers(cfgPath string) map[string]protocol.McpServerConfig {
	exe, err := os.Executable()
	if err != nil {
		exe = "gopylon"
	}
	return map[string]protocol.McpServerConfig{
		"gopylon": {
			Command: exe,
			Args:    []string{"mcp"},
			Env:     map[string]string{"GOPYLON_CONFIG": cfgPath},
		},
	}
}

// openStore picks the message-store backend. sqlite is the default; a legacy
// per-conversation JSON directory is imported on first open either way.
func openStore(cfg *config.Config, dataDir string) (store.MessageStore, error) {
	legacyDir := filepath.Join(dataDir, "messages")
	switch storageBackend(cfg) {
	case "sqlite":
		return sqlite.New(filepath.Join(dataDir, "messages.db"), legacyDir)
	case "postgres":
		dsn := cfg.Storage.PostgresDSN
		if dsn == "" {
			return nil, errors.New("storage backend is postgres but GOPYLON_POSTGRES_DSN environment variable is not set")
		}
		return pg.New(dsn, legacyDir)
	case "file":
		return file.New(legacyDir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func storageBackend(cfg *config.Config) string {
	if cfg.Storage.Backend == "" {
		return "sqlite"
	}
	return cfg.Storage.Backend
}
