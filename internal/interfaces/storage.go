package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/menulens/internal/models"
)

// EphemeralStore is the fast key/value store written on the hot path.
// Writers use disjoint keys, so implementations need no cross-key coordination.
type EphemeralStore interface {
	// Set stores value under key with a TTL. A zero TTL keeps the key until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrKeyNotFound when the key is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)

	Exists(ctx context.Context, key string) (bool, error)

	Delete(ctx context.Context, key string) error

	// Scan calls fn for every live key starting with prefix. An empty prefix scans everything.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// PutSessionHeader records the declared item count for a session. Idempotent.
	PutSessionHeader(ctx context.Context, header *models.SessionHeader) error

	// GetSessionHeader returns ErrSessionNotFound when no header exists
	GetSessionHeader(ctx context.Context, sessionID string) (*models.SessionHeader, error)

	// PurgeSessionHeaders removes headers created before olderThan and returns how many were removed
	PurgeSessionHeaders(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// DurableStore is the relational system of record. Every mutating call runs in one
// transaction scoped to a single session.
type DurableStore interface {
	// CreateSession inserts the session if it does not exist. Returns true when a row was created.
	CreateSession(ctx context.Context, session *models.Session) (bool, error)

	// GetSession returns ErrSessionNotFound for unknown ids
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// GetSessionDetail returns the session with its items and images
	GetSessionDetail(ctx context.Context, sessionID string) (*models.SessionDetail, error)

	// ApplyStageResult ensures the session exists (declaring totalHint items when it must be
	// created), upserts the item and appends its processing record and generated image.
	ApplyStageResult(ctx context.Context, result *models.StageResult, totalHint int) error

	// GetItems returns the items of a session ordered by item index
	GetItems(ctx context.Context, sessionID string) ([]models.Item, error)

	// GetProgress derives a progress snapshot from durable item status
	GetProgress(ctx context.Context, sessionID string) (*models.Progress, error)

	// CompleteSession marks the session completed when every declared item has all stages
	// completed. Returns true when the session is (now or already) completed.
	CompleteSession(ctx context.Context, sessionID string) (bool, error)

	// FailSession marks a non-terminal session failed, creating it when missing
	FailSession(ctx context.Context, sessionID string, totalHint int, reason string) error

	// ListStaleSessions returns ids of sessions still processing that were created before olderThan
	ListStaleSessions(ctx context.Context, olderThan time.Time) ([]string, error)

	// DeleteSession removes the session with its items, records and images
	DeleteSession(ctx context.Context, sessionID string) error

	Close() error
}
