// Package file holds the JSON-file backends: one file per conversation for
// the message store (the same layout older deployments used, so it doubles
// as the zero-setup default for development) and a single workspaces.json
// for the workspace tree.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
)

// MessageStore keeps a write-through cache over <dir>/<convId>.json files.
// Every mutation rewrites the conversation's file atomically before
// returning.
type MessageStore struct {
	dir   string
	mu    sync.RWMutex
	cache map[ids.ConvID][]store.Message
}

type convFile struct {
	Messages []store.Message `json:"messages"`
}

// New opens (or creates) the message directory.
func New(dir string) (*MessageStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create message dir: %w", err)
	}
	return &MessageStore{
		dir:   dir,
		cache: make(map[ids.ConvID][]store.Message),
	}, nil
}

func (s *MessageStore) Append(convID ids.ConvID, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.loadLocked(convID)
	msgs = append(msgs, msg)
	if len(msgs) > store.MaxMessages {
		msgs = msgs[len(msgs)-store.MaxMessages:]
	}
	return s.writeLocked(convID, msgs)
}

func (s *MessageStore) UpdateToolComplete(convID ids.ConvID, toolName string, success bool, output, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.loadLocked(convID)
	if !store.CompleteTool(msgs, toolName, success, output, errText) {
		return nil
	}
	return s.writeLocked(convID, msgs)
}

func (s *MessageStore) Messages(convID ids.ConvID, q store.Query) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.Window(s.loadLocked(convID), q), nil
}

func (s *MessageStore) History(convID ids.ConvID) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.loadLocked(convID)
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MessageStore) Trim(convID ids.ConvID, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.loadLocked(convID)
	if len(msgs) <= max {
		return nil
	}
	return s.writeLocked(convID, msgs[len(msgs)-max:])
}

func (s *MessageStore) Purge(convID ids.ConvID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, convID)
	if err := os.Remove(s.path(convID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListConversations scans the directory for per-conversation files.
func (s *MessageStore) ListConversations() ([]ids.ConvID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []ids.ConvID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id, err := strconv.Atoi(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		out = append(out, ids.ConvID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MessageStore) Close() error { return nil }

func (s *MessageStore) path(convID ids.ConvID) string {
	return filepath.Join(s.dir, strconv.Itoa(int(convID))+".json")
}

// loadLocked returns the cached log, reading the file on first touch.
// Callers hold s.mu.
func (s *MessageStore) loadLocked(convID ids.ConvID) []store.Message {
	if msgs, ok := s.cache[convID]; ok {
		return msgs
	}
	var msgs []store.Message
	data, err := os.ReadFile(s.path(convID))
	if err == nil {
		var cf convFile
		if err := json.Unmarshal(data, &cf); err == nil {
			msgs = cf.Messages
		} else {
			json.Unmarshal(data, &msgs)
		}
	}
	s.cache[convID] = msgs
	return msgs
}

// writeLocked persists atomically: temp file, sync, rename. Callers hold s.mu.
func (s *MessageStore) writeLocked(convID ids.ConvID, msgs []store.Message) error {
	data, err := json.MarshalIndent(convFile{Messages: msgs}, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(s.dir, "messages-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path(convID)); err != nil {
		return err
	}
	cleanup = false
	s.cache[convID] = msgs
	return nil
}
