// Package sqlite backs the message store with a single SQLite database,
// the default for real deployments. The schema ships embedded and is
// migrated on open; a legacy JSON message directory found next to the
// database is imported once and backed up.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MessageStore implements store.MessageStore over one SQLite file.
type MessageStore struct {
	db *sql.DB
}

// New opens (or creates) the database at path, applies pending migrations,
// and imports a legacy JSON layout from legacyDir when one exists.
func New(path, legacyDir string) (*MessageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; readers queue behind busy_timeout instead of failing
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &MessageStore{db: db}
	if _, err := store.ImportLegacy(legacyDir, s); err != nil {
		db.Close()
		return nil, fmt.Errorf("import legacy messages: %w", err)
	}
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *MessageStore) Append(convID ids.ConvID, msg store.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (conv_id, id, role, type, tool_name, body) VALUES (?, ?, ?, ?, ?, ?)`,
		int(convID), msg.ID, msg.Role, msg.Type, msg.ToolName, string(body),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`DELETE FROM messages WHERE conv_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE conv_id = ? ORDER BY seq DESC LIMIT ?)`,
		int(convID), int(convID), store.MaxMessages,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MessageStore) UpdateToolComplete(convID ids.ConvID, toolName string, success bool, output, errText string) error {
	row := s.db.QueryRow(
		`SELECT seq, body FROM messages
		 WHERE conv_id = ? AND type = ? AND tool_name = ?
		 ORDER BY seq DESC LIMIT 1`,
		int(convID), store.TypeToolStart, toolName,
	)
	var seq int64
	var body string
	if err := row.Scan(&seq, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	var msg store.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return fmt.Errorf("decode message %d: %w", seq, err)
	}
	msg.Type = store.TypeToolComplete
	msg.Success = &success
	msg.Output = store.SummarizeOutput(output)
	msg.Error = store.SummarizeOutput(errText)

	updated, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE messages SET type = ?, body = ? WHERE seq = ?`,
		msg.Type, string(updated), seq)
	return err
}

func (s *MessageStore) Messages(convID ids.ConvID, q store.Query) ([]store.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	var rows *sql.Rows
	var err error
	if q.BeforeID != "" {
		rows, err = s.db.Query(
			`SELECT body FROM messages
			 WHERE conv_id = ? AND seq < (
				SELECT seq FROM messages WHERE conv_id = ? AND id = ? ORDER BY seq DESC LIMIT 1)
			 ORDER BY seq DESC LIMIT ?`,
			int(convID), int(convID), q.BeforeID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT body FROM messages WHERE conv_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
			int(convID), limit, q.Offset,
		)
	}
	if err != nil {
		return nil, err
	}
	msgs, err := scanBodies(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (s *MessageStore) History(convID ids.ConvID) ([]store.Message, error) {
	rows, err := s.db.Query(
		`SELECT body FROM messages WHERE conv_id = ? ORDER BY seq ASC`, int(convID))
	if err != nil {
		return nil, err
	}
	return scanBodies(rows)
}

func (s *MessageStore) Trim(convID ids.ConvID, max int) error {
	_, err := s.db.Exec(
		`DELETE FROM messages WHERE conv_id = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE conv_id = ? ORDER BY seq DESC LIMIT ?)`,
		int(convID), int(convID), max,
	)
	return err
}

func (s *MessageStore) Purge(convID ids.ConvID) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE conv_id = ?`, int(convID))
	return err
}

// ListConversations returns every conversation with at least one message.
func (s *MessageStore) ListConversations() ([]ids.ConvID, error) {
	rows, err := s.db.Query(`SELECT DISTINCT conv_id FROM messages ORDER BY conv_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ids.ConvID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, ids.ConvID(id))
	}
	return out, rows.Err()
}

// Maintain truncates the WAL so the database file stays the source of truth
// for backups.
func (s *MessageStore) Maintain(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *MessageStore) Close() error { return s.db.Close() }

func scanBodies(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var msgs []store.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg store.Message
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func reverse(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
