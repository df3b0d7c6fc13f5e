package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/coder/websocket"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gopylon/internal/beacon"
	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/pidfile"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

const probeTimeout = 3 * time.Second

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("gopylon doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Identity:")
	fmt.Printf("    %-12s %s\n", "Env:", cfg.Env)
	if env, err := ids.ParseEnv(cfg.Env); err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "PylonId:", err)
	} else if pid, err := ids.EncodePylon(env, cfg.Pylon.DeviceIndex); err != nil {
		fmt.Printf("    %-12s INVALID (%s)\n", "PylonId:", err)
	} else {
		fmt.Printf("    %-12s %d (deviceIndex %d)\n", "PylonId:", int(pid), cfg.Pylon.DeviceIndex)
	}

	fmt.Println()
	fmt.Println("  Services:")
	checkRelay(cfg.Pylon.RelayURL)
	checkBeacon(cfg.BeaconAddr())
	checkPylonProcess(filepath.Join(cfg.DataDir(), "pylon.pid"))

	fmt.Println()
	fmt.Println("  Storage:")
	fmt.Printf("    %-12s %s\n", "Backend:", storageBackend(cfg))
	checkDataDir(cfg.DataDir())
	switch storageBackend(cfg) {
	case "sqlite":
		checkSQLite(filepath.Join(cfg.DataDir(), "messages.db"))
	case "postgres":
		checkPostgres(cfg.Storage.PostgresDSN)
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("claude")
	checkBinary("git")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkRelay dials the hub and waits for its greeting frame, stopping short
// of authentication.
func checkRelay(relayURL string) {
	if relayURL == "" {
		fmt.Printf("    %-12s (no relay_url configured)\n", "Relay:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, relayURL, nil)
	if err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Relay:", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "doctor")

	_, data, err := conn.Read(ctx)
	if err != nil {
		fmt.Printf("    %-12s NO GREETING (%s)\n", "Relay:", err)
		return
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != protocol.TypeConnected {
		fmt.Printf("    %-12s UNEXPECTED GREETING\n", "Relay:")
		return
	}
	fmt.Printf("    %-12s OK (%s)\n", "Relay:", relayURL)
}

func checkBeacon(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := beacon.NewClient(addr).Ping(ctx); err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Beacon:", err)
		return
	}
	fmt.Printf("    %-12s OK (%s)\n", "Beacon:", addr)
}

func checkPylonProcess(pidPath string) {
	pid, err := pidfile.Read(pidPath)
	if err != nil {
		fmt.Printf("    %-12s not running\n", "Pylon:")
		return
	}
	if pidfile.Alive(pid) {
		fmt.Printf("    %-12s running (pid %d)\n", "Pylon:", pid)
	} else {
		fmt.Printf("    %-12s not running (stale pidfile, pid %d)\n", "Pylon:", pid)
	}
}

func checkDataDir(dir string) {
	probe := filepath.Join(dir, ".doctor")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf("    %-12s NOT WRITABLE (%s)\n", "Data dir:", err)
		return
	}
	_ = os.Remove(probe)
	fmt.Printf("    %-12s %s (writable)\n", "Data dir:", dir)
}

func checkSQLite(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("    %-12s %s (not created yet)\n", "Database:", path)
		return
	}
	db, err := sql.Open("sqlite", path)
	if err == nil {
		err = db.Ping()
		db.Close()
	}
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Database:", err)
		return
	}
	fmt.Printf("    %-12s %s (%d KB)\n", "Database:", path, info.Size()/1024)
}

func checkPostgres(dsn string) {
	if dsn == "" {
		fmt.Printf("    %-12s GOPYLON_POSTGRES_DSN not set\n", "Database:")
		return
	}
	db, err := sql.Open("pgx", dsn)
	if err == nil {
		err = db.Ping()
		db.Close()
	}
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Database:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Database:")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
