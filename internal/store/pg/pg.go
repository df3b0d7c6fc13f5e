// Package pg backs the message store with Postgres for deployments that
// already run one. Schema migrations ship embedded and apply on open.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/gopylon/internal/ids"
	"github.com/nextlevelbuilder/gopylon/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenDB opens a pooled connection via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// MessageStore implements store.MessageStore over Postgres.
type MessageStore struct {
	db *sql.DB
}

// New connects, applies pending migrations, and imports a legacy JSON
// message directory when one exists.
func New(dsn, legacyDir string) (*MessageStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
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
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// NewMigrator connects to dsn and builds a migrator over the embedded
// migration set. New applies the same set automatically on open; this is
// for ops commands that need version, force, and rollback.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	m, err := newMigrator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
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
		`INSERT INTO messages (conv_id, id, role, type, tool_name, body) VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(convID), msg.ID, msg.Role, msg.Type, msg.ToolName, body,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`DELETE FROM messages WHERE conv_id = $1 AND seq NOT IN (
			SELECT seq FROM messages WHERE conv_id = $1 ORDER BY seq DESC LIMIT $2)`,
		int64(convID), store.MaxMessages,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *MessageStore) UpdateToolComplete(convID ids.ConvID, toolName string, success bool, output, errText string) error {
	row := s.db.QueryRow(
		`SELECT seq, body FROM messages
		 WHERE conv_id = $1 AND type = $2 AND tool_name = $3
		 ORDER BY seq DESC LIMIT 1`,
		int64(convID), store.TypeToolStart, toolName,
	)
	var seq int64
	var body []byte
	if err := row.Scan(&seq, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	var msg store.Message
	if err := json.Unmarshal(body, &msg); err != nil {
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
	_, err = s.db.Exec(`UPDATE messages SET type = $1, body = $2 WHERE seq = $3`,
		msg.Type, updated, seq)
	return err
}

func (s *MessageStore) Messages(convID ids.ConvID, q store.Query) ([]store.Message, error) {
	var limit any // NULL means no limit in Postgres
	if q.Limit > 0 {
		limit = q.Limit
	}

	var rows *sql.Rows
	var err error
	if q.BeforeID != "" {
		rows, err = s.db.Query(
			`SELECT body FROM messages
			 WHERE conv_id = $1 AND seq < (
				SELECT seq FROM messages WHERE conv_id = $1 AND id = $2 ORDER BY seq DESC LIMIT 1)
			 ORDER BY seq DESC LIMIT $3`,
			int64(convID), q.BeforeID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT body FROM messages WHERE conv_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
			int64(convID), limit, q.Offset,
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
		`SELECT body FROM messages WHERE conv_id = $1 ORDER BY seq ASC`, int64(convID))
	if err != nil {
		return nil, err
	}
	return scanBodies(rows)
}

func (s *MessageStore) Trim(convID ids.ConvID, max int) error {
	_, err := s.db.Exec(
		`DELETE FROM messages WHERE conv_id = $1 AND seq NOT IN (
			SELECT seq FROM messages WHERE conv_id = $1 ORDER BY seq DESC LIMIT $2)`,
		int64(convID), max,
	)
	return err
}

func (s *MessageStore) Purge(convID ids.ConvID) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE conv_id = $1`, int64(convID))
	return err
}

// PurgeMany drops whole conversations in one round trip (workspace deletes,
// maintenance sweeps).
func (s *MessageStore) PurgeMany(convIDs []ids.ConvID) error {
	if len(convIDs) == 0 {
		return nil
	}
	raw := make([]int64, len(convIDs))
	for i, id := range convIDs {
		raw[i] = int64(id)
	}
	_, err := s.db.Exec(`DELETE FROM messages WHERE conv_id = ANY($1)`, pq.Array(raw))
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

// Maintain reclaims dead rows left by trims and purges.
func (s *MessageStore) Maintain(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM (ANALYZE) messages`)
	return err
}

func (s *MessageStore) Close() error { return s.db.Close() }

func scanBodies(rows *sql.Rows) ([]store.Message, error) {
	defer rows.Close()
	var msgs []store.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var msg store.Message
		if err := json.Unmarshal(body, &msg); err != nil {
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
