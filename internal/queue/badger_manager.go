package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// QueueMessage represents the internal structure stored in Badger
type QueueMessage struct {
	ID           string    `json:"id"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// BadgerManager implements a persistent unit queue using BadgerDB.
//
// Keys:
//
//	queue:{name}:msg:{id}                 -> JSON QueueMessage
//	queue:{name}:index:{visibleAt}:{id}   -> empty (visibility index, sorted by time)
type BadgerManager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
}

// NewBadgerManager creates a new Badger-backed queue manager
func NewBadgerManager(db *badger.DB, config Config) (*BadgerManager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.QueueName == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxReceive <= 0 {
		config.MaxReceive = 3
	}

	return &BadgerManager{
		db:                db,
		queueName:         config.QueueName,
		visibilityTimeout: config.VisibilityTimeout,
		maxReceive:        config.MaxReceive,
	}, nil
}

// EnqueueBatch adds every message in one transaction: either all are visible to workers or none is.
// The message id is the unit id so a batch can later cancel what it submitted.
func (m *BadgerManager) EnqueueBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()

	return m.db.Update(func(txn *badger.Txn) error {
		for i, msg := range msgs {
			if msg.UnitID == "" {
				return fmt.Errorf("message %d has no unit id", i)
			}

			// Offset by position so workers pick units up in submission order
			visibleAt := now.Add(time.Duration(i))
			qMsg := QueueMessage{
				ID:         msg.UnitID,
				Body:       msg,
				EnqueuedAt: now,
				VisibleAt:  visibleAt,
			}

			data, err := json.Marshal(qMsg)
			if err != nil {
				return fmt.Errorf("failed to marshal queue message: %w", err)
			}

			if err := txn.Set(m.msgKey(qMsg.ID), data); err != nil {
				return err
			}
			if err := txn.Set(m.indexKey(visibleAt, qMsg.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Receive pulls the next visible message from the queue and hides it for the visibility timeout.
// The returned function deletes the message once it has been handled.
func (m *BadgerManager) Receive(ctx context.Context) (*Message, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var qMsg QueueMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var claimedIndexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue // Skip invalid keys
			}

			// Keys are sorted by timestamp: nothing after a future key is ready either
			if ts.After(now) {
				break
			}

			itemMsg, err := txn.Get(m.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Index exists but message doesn't, clean up index
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var candidate QueueMessage
			if err := itemMsg.Value(func(val []byte) error {
				return json.Unmarshal(val, &candidate)
			}); err != nil {
				return err
			}

			// Poison message: drop it instead of looping forever
			if candidate.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			qMsg = candidate
			claimedIndexKey = key
			break
		}

		if claimedIndexKey == nil {
			return ErrNoMessage
		}

		qMsg.ReceiveCount++
		qMsg.VisibleAt = time.Now().Add(m.visibilityTimeout)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(qMsg.ID), newData); err != nil {
			return err
		}

		if err := txn.Delete(claimedIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, qMsg.ID), []byte{})
	})

	if err != nil {
		return nil, nil, err
	}

	msgID := qMsg.ID
	deleteFn := func() error {
		return m.db.Update(func(txn *badger.Txn) error {
			return m.deleteInTxn(txn, msgID)
		})
	}

	return &qMsg.Body, deleteFn, nil
}

// Cancel removes messages by id in one transaction
func (m *BadgerManager) Cancel(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := m.deleteInTxn(txn, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// Extend hides a received message for duration from now. It returns badger.ErrKeyNotFound
// once the message has been deleted or cancelled.
func (m *BadgerManager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(m.msgKey(messageID))
		if err != nil {
			return err
		}

		var qMsg QueueMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &qMsg)
		}); err != nil {
			return err
		}

		oldVisibleAt := qMsg.VisibleAt
		qMsg.VisibleAt = time.Now().Add(duration)

		newData, err := json.Marshal(qMsg)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), newData); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(oldVisibleAt, messageID)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(m.indexKey(qMsg.VisibleAt, messageID), []byte{})
	})
}

// Len returns the number of messages currently stored, visible or not
func (m *BadgerManager) Len() (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("queue:%s:msg:", m.queueName))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the queue manager (no-op for BadgerManager as DB is managed externally)
func (m *BadgerManager) Close() error {
	return nil
}

// Helpers

func (m *BadgerManager) deleteInTxn(txn *badger.Txn, id string) error {
	item, err := txn.Get(m.msgKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already deleted
		}
		return err
	}

	var current QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &current)
	}); err != nil {
		return err
	}

	if err := txn.Delete(m.indexKey(current.VisibleAt, id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Delete(m.msgKey(id))
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
}

func (m *BadgerManager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad to 20 digits so string order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), suffix[21:], nil
}

var _ UnitQueue = (*BadgerManager)(nil)
