package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// EphemeralStore implements interfaces.EphemeralStore on an embedded Badger database.
// Stage results are raw TTL entries; session headers are badgerhold records.
type EphemeralStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEphemeralStore creates a new Badger-backed ephemeral store
func NewEphemeralStore(db *BadgerDB, logger arbor.ILogger) *EphemeralStore {
	return &EphemeralStore{
		db:     db,
		logger: logger,
	}
}

// Set stores value under key, expiring after ttl when ttl is positive
func (s *EphemeralStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.DB().Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key
func (s *EphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.DB().View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Exists reports whether a live entry exists for key
func (s *EphemeralStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *EphemeralStore) Delete(ctx context.Context, key string) error {
	err := s.db.DB().Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Scan iterates live keys under prefix. Values are copied before fn is called,
// so fn may write back to the store.
func (s *EphemeralStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	type entry struct {
		key   string
		value []byte
	}
	var entries []entry

	err := s.db.DB().View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, entry{key: string(item.KeyCopy(nil)), value: value})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan prefix %q: %w", prefix, err)
	}

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

// PutSessionHeader upserts the session header
func (s *EphemeralStore) PutSessionHeader(ctx context.Context, header *models.SessionHeader) error {
	if header.SessionID == "" {
		return fmt.Errorf("session header requires a session id")
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now()
	}
	if err := s.db.Store().Upsert(header.SessionID, header); err != nil {
		return fmt.Errorf("failed to store session header %s: %w", header.SessionID, err)
	}
	return nil
}

// GetSessionHeader loads a session header
func (s *EphemeralStore) GetSessionHeader(ctx context.Context, sessionID string) (*models.SessionHeader, error) {
	var header models.SessionHeader
	if err := s.db.Store().Get(sessionID, &header); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session header %s: %w", sessionID, err)
	}
	header.SessionID = sessionID
	return &header, nil
}

// PurgeSessionHeaders deletes headers created before olderThan
func (s *EphemeralStore) PurgeSessionHeaders(ctx context.Context, olderThan time.Time) (int, error) {
	var stale []models.SessionHeader
	query := badgerhold.Where("CreatedAt").Lt(olderThan)
	if err := s.db.Store().Find(&stale, query); err != nil {
		return 0, fmt.Errorf("failed to find stale session headers: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := s.db.Store().DeleteMatching(&models.SessionHeader{}, badgerhold.Where("CreatedAt").Lt(olderThan)); err != nil {
		return 0, fmt.Errorf("failed to purge session headers: %w", err)
	}

	s.logger.Debug().Int("count", len(stale)).Msg("Purged stale session headers")
	return len(stale), nil
}

// Close is a no-op: the connection is shared with the work queue and closed by the storage manager
func (s *EphemeralStore) Close() error {
	return nil
}

var _ interfaces.EphemeralStore = (*EphemeralStore)(nil)
