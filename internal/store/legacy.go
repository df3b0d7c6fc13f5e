package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
)

// legacyFile is the old per-conversation JSON layout: either a bare array or
// a {"messages": [...]} wrapper, filename <convId>.json.
type legacyFile struct {
	Messages []Message `json:"messages"`
}

// ImportLegacy moves per-conversation JSON files from dir into dst and
// relocates the originals to a sibling "<dir>_backup" directory. The import
// is idempotent: it is skipped entirely when the backup directory already
// exists. Unreadable files are relocated without import so a bad file cannot
// wedge every startup. Returns the number of files migrated.
func ImportLegacy(dir string, dst MessageStore) (int, error) {
	if dir == "" {
		return 0, nil
	}
	backupDir := dir + "_backup"
	if _, err := os.Stat(backupDir); err == nil {
		return 0, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read legacy dir: %w", err)
	}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return 0, fmt.Errorf("create backup dir: %w", err)
	}

	moved := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		src := filepath.Join(dir, e.Name())
		if err := importLegacyFile(src, dst); err != nil {
			slog.Warn("legacy message file skipped", "file", e.Name(), "error", err)
		}
		if err := os.Rename(src, filepath.Join(backupDir, e.Name())); err != nil {
			return moved, fmt.Errorf("relocate %s: %w", e.Name(), err)
		}
		moved++
	}
	return moved, nil
}

func importLegacyFile(path string, dst MessageStore) error {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	raw, err := strconv.Atoi(base)
	if err != nil {
		return fmt.Errorf("filename is not a convId: %w", err)
	}
	convID := ids.ConvID(raw)
	if _, err := ids.DecodeConversationFull(convID); err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var lf legacyFile
	if err := json.Unmarshal(data, &lf); err != nil {
		// older layout: bare array
		if err2 := json.Unmarshal(data, &lf.Messages); err2 != nil {
			return err
		}
	}

	for _, msg := range lf.Messages {
		if err := dst.Append(convID, msg); err != nil {
			return err
		}
	}
	return nil
}
