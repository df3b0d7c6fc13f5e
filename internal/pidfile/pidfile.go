// Package pidfile records the owning process id of a long-running service
// so doctor checks and restart tooling can detect an already-running
// instance before taking its place.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Write records the current pid at path. When the file already holds a pid,
// onExisting (if non-nil) is called with it before the file is overwritten;
// stale entries for dead processes are reported with alive=false.
func Write(path string, onExisting func(pid int, alive bool)) error {
	if old, err := Read(path); err == nil && onExisting != nil {
		onExisting(old, Alive(old))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pidfile dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile %s: %w", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Remove deletes the pidfile, ignoring a missing file.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
