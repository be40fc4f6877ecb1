package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS survey_drafts (
	survey_type TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	data        JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (survey_type, client_id)
);
CREATE TABLE IF NOT EXISTS survey_write_queue (
	seq       BIGSERIAL PRIMARY KEY,
	queue_key TEXT NOT NULL UNIQUE,
	data      JSONB NOT NULL
);`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string, cfg config.StorageConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, cfg.MaxOpenConns))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	s, err := NewPgStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPgStore wraps an existing pool and applies the schema.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool) (*PgStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("storage: migrate postgres: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// SaveDraft upserts the draft.
func (s *PgStore) SaveDraft(ctx context.Context, surveyType, clientID string, d model.Draft) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO survey_drafts (survey_type, client_id, data, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (survey_type, client_id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		surveyType, clientID, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}
	return nil
}

// LoadDraft reads the draft.
func (s *PgStore) LoadDraft(ctx context.Context, surveyType, clientID string) (model.Draft, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM survey_drafts WHERE survey_type = $1 AND client_id = $2`,
		surveyType, clientID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Draft{}, false, nil
	}
	if err != nil {
		return model.Draft{}, false, fmt.Errorf("query draft: %w", err)
	}
	var d model.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return model.Draft{}, false, fmt.Errorf("unmarshal draft: %w", err)
	}
	return d, true, nil
}

// DeleteDraft removes the draft.
func (s *PgStore) DeleteDraft(ctx context.Context, surveyType, clientID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM survey_drafts WHERE survey_type = $1 AND client_id = $2`,
		surveyType, clientID,
	)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return nil
}

// Put replaces any entry with the same key and appends w with a fresh
// sequence value.
func (s *PgStore) Put(ctx context.Context, w model.QueuedWrite) (model.QueuedWrite, error) {
	w.Seq = 0
	data, err := json.Marshal(w)
	if err != nil {
		return w, fmt.Errorf("marshal queued write: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM survey_write_queue WHERE queue_key = $1`, w.QueueKey()); err != nil {
			return fmt.Errorf("replace queued write: %w", err)
		}
		return tx.QueryRow(ctx,
			`INSERT INTO survey_write_queue (queue_key, data) VALUES ($1, $2) RETURNING seq`,
			w.QueueKey(), data,
		).Scan(&w.Seq)
	})
	if err != nil {
		return w, fmt.Errorf("put queued write: %w", err)
	}
	return w, nil
}

// List returns the queue in seq order.
func (s *PgStore) List(ctx context.Context) ([]model.QueuedWrite, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, data FROM survey_write_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var out []model.QueuedWrite
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scan queued write: %w", err)
		}
		var w model.QueuedWrite
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("unmarshal queued write: %w", err)
		}
		w.Seq = seq
		out = append(out, w)
	}
	return out, rows.Err()
}

// Remove deletes key if its seq matches.
func (s *PgStore) Remove(ctx context.Context, key string, seq int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM survey_write_queue WHERE queue_key = $1 AND seq = $2`, key, seq,
	)
	if err != nil {
		return false, fmt.Errorf("remove queued write: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Len counts queued entries.
func (s *PgStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM survey_write_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}
