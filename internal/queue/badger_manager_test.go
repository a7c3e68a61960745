package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/menulens/internal/models"
)

func openTestBadger(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestManager(t *testing.T, mutate func(*Config)) *BadgerManager {
	t.Helper()
	config := NewDefaultConfig()
	config.QueueName = "test_units"
	if mutate != nil {
		mutate(&config)
	}
	mgr, err := NewBadgerManager(openTestBadger(t), config)
	require.NoError(t, err)
	return mgr
}

func testMessages(t *testing.T, n int) []Message {
	t.Helper()
	msgs := make([]Message, n)
	for i := range msgs {
		msg, err := models.NewUnitMessage(models.Unit{
			ID:        fmt.Sprintf("unit_%02d", i),
			SessionID: "sess_q",
			Stage:     models.StageDescription,
			Kind:      models.UnitKindCategory,
			Category:  "Mains",
			Items:     []models.MenuItem{{Index: i, Name: fmt.Sprintf("dish %d", i)}},
		})
		require.NoError(t, err)
		msgs[i] = msg
	}
	return msgs
}

func TestBadgerManager_EnqueueBatchReceiveInOrder(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.EnqueueBatch(ctx, testMessages(t, 5)))

	count, err := mgr.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	for i := 0; i < 5; i++ {
		msg, deleteFn, err := mgr.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("unit_%02d", i), msg.UnitID)

		unit, err := msg.Unit()
		require.NoError(t, err)
		assert.Equal(t, i, unit.Items[0].Index)

		require.NoError(t, deleteFn())
	}

	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	count, err = mgr.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBadgerManager_EnqueueBatchIsAllOrNothing(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	msgs := testMessages(t, 3)
	msgs[2].UnitID = ""

	require.Error(t, mgr.EnqueueBatch(ctx, msgs))

	count, err := mgr.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "no message of a failed batch may be visible")
}

func TestBadgerManager_ReceivedMessageIsHidden(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.EnqueueBatch(ctx, testMessages(t, 1)))

	_, _, err := mgr.Receive(ctx)
	require.NoError(t, err)

	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_RedeliveryAfterVisibilityTimeout(t *testing.T) {
	mgr := newTestManager(t, func(c *Config) {
		c.VisibilityTimeout = 50 * time.Millisecond
		c.MaxReceive = 2
	})
	ctx := context.Background()

	require.NoError(t, mgr.EnqueueBatch(ctx, testMessages(t, 1)))

	first, _, err := mgr.Receive(ctx)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	second, _, err := mgr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.UnitID, second.UnitID)

	// Max receive reached: the poison message is dropped
	time.Sleep(100 * time.Millisecond)
	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_Cancel(t *testing.T) {
	mgr := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, mgr.EnqueueBatch(ctx, testMessages(t, 3)))
	require.NoError(t, mgr.Cancel(ctx, []string{"unit_00", "unit_02", "unknown"}))

	msg, _, err := mgr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "unit_01", msg.UnitID)

	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_Extend(t *testing.T) {
	mgr := newTestManager(t, func(c *Config) {
		c.VisibilityTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, mgr.EnqueueBatch(ctx, testMessages(t, 1)))
	msg, _, err := mgr.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.Extend(ctx, msg.UnitID, time.Hour))

	time.Sleep(100 * time.Millisecond)
	_, _, err = mgr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	require.NoError(t, mgr.Cancel(ctx, []string{msg.UnitID}))
	assert.ErrorIs(t, mgr.Extend(ctx, msg.UnitID, time.Hour), badger.ErrKeyNotFound)
}

func TestNewBadgerManager_Validation(t *testing.T) {
	_, err := NewBadgerManager(nil, NewDefaultConfig())
	assert.Error(t, err)

	config := NewDefaultConfig()
	config.QueueName = ""
	_, err = NewBadgerManager(openTestBadger(t), config)
	assert.Error(t, err)
}
