// Package storage persists survey drafts and the offline write queue.
package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

// DraftStore persists one draft per (survey type, client).
type DraftStore interface {
	// SaveDraft stores d, replacing any existing draft.
	SaveDraft(ctx context.Context, surveyType, clientID string, d model.Draft) error

	// LoadDraft returns the stored draft. The bool is false when none exists.
	LoadDraft(ctx context.Context, surveyType, clientID string) (model.Draft, bool, error)

	// DeleteDraft removes the draft. Deleting a missing draft is not an error.
	DeleteDraft(ctx context.Context, surveyType, clientID string) error
}

// QueueStore persists the ordered offline write queue. Entries are unique
// by QueuedWrite.QueueKey and ordered by Seq.
type QueueStore interface {
	// Put stores w, replacing any entry with the same queue key. The stored
	// entry gets a Seq greater than every Seq previously assigned, so it
	// moves to the tail. The stored entry is returned.
	Put(ctx context.Context, w model.QueuedWrite) (model.QueuedWrite, error)

	// List returns all entries in Seq order.
	List(ctx context.Context) ([]model.QueuedWrite, error)

	// Remove deletes the entry for key only if its Seq still equals seq.
	// It reports whether an entry was removed.
	Remove(ctx context.Context, key string, seq int64) (bool, error)

	// Len returns the number of queued entries.
	Len(ctx context.Context) (int, error)
}

// Store is the full local persistence layer.
type Store interface {
	DraftStore
	QueueStore
	HealthCheck(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		return OpenSQLite(ctx, cfg)
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, fmt.Errorf("storage: redis address env %q is empty", cfg.AddrEnv)
		}
		return OpenRedis(ctx, addr, cfg)
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("storage: postgres DSN env %q is empty", cfg.DSNEnv)
		}
		return OpenPostgres(ctx, dsn, cfg)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", cfg.Driver)
	}
}

func draftKey(surveyType, clientID string) string {
	return surveyType + "/" + clientID
}
