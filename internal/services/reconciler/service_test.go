package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"github.com/ternarybob/menulens/internal/storage/badger"
	"github.com/ternarybob/menulens/internal/storage/sqlite"
)

// countingStore wraps the durable store to count writes and inject failures
type countingStore struct {
	interfaces.DurableStore

	mu     sync.Mutex
	writes int
	fail   bool
}

func (c *countingStore) ApplyStageResult(ctx context.Context, result *models.StageResult, totalHint int) error {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}

	if err := c.DurableStore.ApplyStageResult(ctx, result, totalHint); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *countingStore) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func (c *countingStore) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type harness struct {
	ephemeral  *badger.EphemeralStore
	durable    *countingStore
	reconciler *Service
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlDB, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: filepath.Join(dir, "menulens.db"), WALMode: true})
	require.NoError(t, err)
	storage := sqlite.NewSessionStorage(sqlDB, logger)
	t.Cleanup(func() { storage.Close() })

	ephemeral := badger.NewEphemeralStore(db, logger)
	durable := &countingStore{DurableStore: storage}

	config := Config{Interval: 20 * time.Millisecond, MarkerTTL: time.Hour, BatchSize: 100, Concurrency: 2}
	return &harness{
		ephemeral:  ephemeral,
		durable:    durable,
		reconciler: NewService(ephemeral, durable, nil, config, logger),
	}
}

func (h *harness) writeStage(t *testing.T, sessionID string, index int, stage models.Stage) {
	t.Helper()
	result := models.StageResult{
		SessionID: sessionID,
		ItemIndex: index,
		Stage:     stage,
		Status:    models.ItemStatusCompleted,
		Item: models.MenuItem{
			Index:          index,
			Name:           fmt.Sprintf("dish %d", index),
			TranslatedName: fmt.Sprintf("Dish %d", index),
			Description:    "Grilled",
			ImageURL:       fmt.Sprintf("https://images.test/%d.png", index),
		},
		Provider:    "gemini",
		LatencyMS:   40,
		CompletedAt: time.Unix(1700000000, 0),
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)

	key := models.StageKey{SessionID: sessionID, ItemIndex: index, Stage: stage}
	require.NoError(t, h.ephemeral.Set(context.Background(), key.String(), data, time.Hour))
}

func TestRunOnce_WritesAndMarks(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ephemeral.PutSessionHeader(ctx, &models.SessionHeader{SessionID: "sess_a", TotalItems: 3, CreatedAt: time.Now()}))
	h.writeStage(t, "sess_a", 0, models.StageTranslation)
	h.writeStage(t, "sess_a", 1, models.StageTranslation)
	h.writeStage(t, "sess_a", 1, models.StageDescription)

	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 3, stats.Written)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 1, stats.Sessions)

	for _, key := range []models.StageKey{
		{SessionID: "sess_a", ItemIndex: 0, Stage: models.StageTranslation},
		{SessionID: "sess_a", ItemIndex: 1, Stage: models.StageDescription},
	} {
		synced, err := h.ephemeral.Exists(ctx, key.MarkerKey())
		require.NoError(t, err)
		assert.True(t, synced, key.String())
	}

	session, err := h.durable.GetSession(ctx, "sess_a")
	require.NoError(t, err)
	assert.Equal(t, 3, session.TotalItems, "declared count comes from the session header")

	items, err := h.durable.GetItems(ctx, "sess_a")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.ItemStatusCompleted, items[1].DescriptionStatus)
}

func TestRunOnce_RescanPerformsZeroWrites(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.writeStage(t, "sess_z", i, models.StageTranslation)
	}

	_, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, h.durable.writeCount())

	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Scanned)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Written)
	assert.Equal(t, 4, h.durable.writeCount(), "re-scan must not touch the durable store")
}

func TestRunOnce_FailedWriteRetriedNextCycle(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	h.writeStage(t, "sess_r", 0, models.StageImage)
	h.writeStage(t, "sess_r", 1, models.StageImage)

	h.durable.setFail(true)
	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err, "durability failures are invisible to callers")
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 0, stats.Written)

	synced, err := h.ephemeral.Exists(ctx, models.StageKey{SessionID: "sess_r", ItemIndex: 0, Stage: models.StageImage}.MarkerKey())
	require.NoError(t, err)
	assert.False(t, synced, "no marker without a durable write")

	h.durable.setFail(false)
	stats, err = h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Written)

	detail, err := h.durable.GetSessionDetail(ctx, "sess_r")
	require.NoError(t, err)
	require.Len(t, detail.Items, 2)
	assert.Len(t, detail.Items[0].Images, 1)
}

func TestRunOnce_BestEffortCountWithoutHeader(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	h.writeStage(t, "sess_b", 0, models.StageTranslation)
	h.writeStage(t, "sess_b", 5, models.StageTranslation)

	_, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)

	session, err := h.durable.GetSession(ctx, "sess_b")
	require.NoError(t, err)
	assert.Equal(t, 6, session.TotalItems)
}

func TestRunOnce_CompletesFinishedSession(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ephemeral.PutSessionHeader(ctx, &models.SessionHeader{SessionID: "sess_c", TotalItems: 2, CreatedAt: time.Now()}))
	for i := 0; i < 2; i++ {
		for _, stage := range models.TrackedStages {
			h.writeStage(t, "sess_c", i, stage)
		}
	}

	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)

	session, err := h.durable.GetSession(ctx, "sess_c")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.NotNil(t, session.CompletedAt)
}

func TestRunOnce_IgnoresForeignKeys(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ephemeral.Set(ctx, "queue:menulens_units:msg:unit_1", []byte(`{}`), time.Hour))
	require.NoError(t, h.ephemeral.Set(ctx, "sess_x:item0:ocr", []byte(`{}`), time.Hour))
	require.NoError(t, h.ephemeral.Set(ctx, "sess_x:item1:translation", []byte(`not json`), time.Hour))

	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Written)
	assert.Equal(t, 0, h.durable.writeCount())
}

func TestRunOnce_ConcurrentSessions(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	for s := 0; s < 5; s++ {
		for i := 0; i < 3; i++ {
			h.writeStage(t, fmt.Sprintf("sess_%d", s), i, models.StageDescription)
		}
	}

	stats, err := h.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Sessions)
	assert.Equal(t, 15, stats.Written)
}

func TestStartStop(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	require.NoError(t, h.reconciler.Start(ctx))
	assert.Error(t, h.reconciler.Start(ctx))

	h.writeStage(t, "sess_loop", 0, models.StageTranslation)
	assert.Eventually(t, func() bool {
		return h.durable.writeCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	h.reconciler.Stop()
	h.reconciler.Stop()
}

func TestNewConfig_Defaults(t *testing.T) {
	config := NewConfig(common.ReconcilerConfig{})
	assert.Equal(t, 5*time.Second, config.Interval)
	assert.Equal(t, 24*time.Hour, config.MarkerTTL)
	assert.Equal(t, 500, config.BatchSize)
	assert.Equal(t, 4, config.Concurrency)

	config = NewConfig(common.ReconcilerConfig{Interval: "1s", BatchSize: 10})
	assert.Equal(t, time.Second, config.Interval)
	assert.Equal(t, 10, config.BatchSize)
}
