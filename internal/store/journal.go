package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/wa-gateway/internal/models"
)

// DefaultRecentLimit bounds Recent when the caller passes no limit.
const DefaultRecentLimit = 50

const maxRecentLimit = 500

// Journal persists one row per webhook dispatch in SQLite.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal at path with WAL mode and a busy
// timeout, and ensures the schema exists.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("store: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	if _, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			session         TEXT NOT NULL,
			kind            TEXT NOT NULL,
			text_len        INTEGER NOT NULL DEFAULT 0,
			media_count     INTEGER NOT NULL DEFAULT 0,
			outcome         TEXT NOT NULL,
			reply_len       INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create dispatches: %w", err)
	}
	if _, err := j.db.Exec(`CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at)`); err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}
	return nil
}

// RecordDispatch appends rec to the journal.
func (j *Journal) RecordDispatch(ctx context.Context, rec models.DispatchRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO dispatches (conversation_id, session, kind, text_len, media_count, outcome, reply_len, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Session, string(rec.Kind), rec.TextLength, rec.MediaCount,
		string(rec.Outcome), rec.ReplyLength, rec.Error, createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: insert dispatch: %w", err)
	}
	return nil
}

// Recent returns up to limit dispatches, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]models.DispatchRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, conversation_id, session, kind, text_len, media_count, outcome, reply_len, error, created_at
		FROM dispatches
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query dispatches: %w", err)
	}
	defer rows.Close()

	var out []models.DispatchRecord
	for rows.Next() {
		var (
			rec       models.DispatchRecord
			kind      string
			outcome   string
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Session, &kind, &rec.TextLength,
			&rec.MediaCount, &outcome, &rec.ReplyLength, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan dispatch: %w", err)
		}
		rec.Kind = models.PayloadKind(kind)
		rec.Outcome = models.DeliveryOutcome(outcome)
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate dispatches: %w", err)
	}
	return out, nil
}

// Close checkpoints the WAL and closes the database.
func (j *Journal) Close() error {
	_, _ = j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return j.db.Close()
}
