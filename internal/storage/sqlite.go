package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS drafts (
	survey_type TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	data        TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (survey_type, client_id)
);
CREATE TABLE IF NOT EXISTS write_queue (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_key TEXT NOT NULL UNIQUE,
	data      TEXT NOT NULL
);`

// SQLiteStore is a file-backed Store using the pure-Go SQLite driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg config.StorageConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %q: %w", cfg.Path, err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	s, err := NewSQLiteStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and applies the schema.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("storage: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveDraft upserts the draft.
func (s *SQLiteStore) SaveDraft(ctx context.Context, surveyType, clientID string, d model.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (survey_type, client_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (survey_type, client_id)
		DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		surveyType, clientID, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}
	return nil
}

// LoadDraft reads the draft.
func (s *SQLiteStore) LoadDraft(ctx context.Context, surveyType, clientID string) (model.Draft, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM drafts WHERE survey_type = ? AND client_id = ?`,
		surveyType, clientID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Draft{}, false, nil
	}
	if err != nil {
		return model.Draft{}, false, fmt.Errorf("query draft: %w", err)
	}
	var d model.Draft
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return model.Draft{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	return d, true, nil
}

// DeleteDraft removes the draft.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, surveyType, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE survey_type = ? AND client_id = ?`,
		surveyType, clientID,
	)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Put replaces any entry with the same key and appends w. AUTOINCREMENT
// never reuses a seq, so the new entry sorts last.
func (s *SQLiteStore) Put(ctx context.Context, w model.QueuedWrite) (model.QueuedWrite, error) {
	w.Seq = 0
	data, err := json.Marshal(w)
	if err != nil {
		return w, fmt.Errorf("marshal queued write: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return w, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM write_queue WHERE queue_key = ?`, w.QueueKey()); err != nil {
		return w, fmt.Errorf("replace queued write: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO write_queue (queue_key, data) VALUES (?, ?)`,
		w.QueueKey(), string(data),
	)
	if err != nil {
		return w, fmt.Errorf("insert queued write: %w", err)
	}
	if w.Seq, err = res.LastInsertId(); err != nil {
		return w, fmt.Errorf("queued write seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return w, fmt.Errorf("commit queued write: %w", err)
	}
	return w, nil
}

// List returns the queue in seq order.
func (s *SQLiteStore) List(ctx context.Context) ([]model.QueuedWrite, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, data FROM write_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.QueuedWrite
	for rows.Next() {
		var seq int64
		var data string
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scan queued write: %w", err)
		}
		var w model.QueuedWrite
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, fmt.Errorf("unmarshal queued write: %w", err)
		}
		w.Seq = seq
		out = append(out, w)
	}
	return out, rows.Err()
}

// Remove deletes key if its seq matches.
func (s *SQLiteStore) Remove(ctx context.Context, key string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM write_queue WHERE queue_key = ? AND seq = ?`, key, seq,
	)
	if err != nil {
		return false, fmt.Errorf("remove queued write: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove queued write: %w", err)
	}
	return n == 1, nil
}

// Len counts queued entries.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM write_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
