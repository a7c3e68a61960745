package sqlite

import (
	"context"
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
)

// setupSessionStorage creates a test database backed session storage
func setupSessionStorage(t *testing.T) *SessionStorage {
	t.Helper()

	config := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "test.db"),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	}

	logger := arbor.NewLogger()
	db, err := NewSQLiteDB(logger, config)
	require.NoError(t, err)

	storage := NewSessionStorage(db, logger)
	t.Cleanup(func() { storage.Close() })
	return storage
}

func stageResult(sessionID string, index int, stage models.Stage, item models.MenuItem) *models.StageResult {
	item.Index = index
	return &models.StageResult{
		SessionID:   sessionID,
		ItemIndex:   index,
		Stage:       stage,
		Status:      models.ItemStatusCompleted,
		Item:        item,
		Provider:    "gemini",
		LatencyMS:   120,
		CompletedAt: time.Unix(1700000000, 0),
	}
}

func TestSessionStorage_CreateSessionIsIdempotent(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	created, err := storage.CreateSession(ctx, &models.Session{
		ID:         "sess_1",
		TotalItems: 4,
		Metadata:   map[string]interface{}{"language": "ja"},
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = storage.CreateSession(ctx, &models.Session{ID: "sess_1", TotalItems: 99})
	require.NoError(t, err)
	assert.False(t, created)

	session, err := storage.GetSession(ctx, "sess_1")
	require.NoError(t, err)
	assert.Equal(t, 4, session.TotalItems)
	assert.Equal(t, models.SessionStatusProcessing, session.Status)
	assert.Equal(t, "ja", session.Metadata["language"])
	assert.Nil(t, session.CompletedAt)

	_, err = storage.GetSession(ctx, "sess_missing")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSessionStorage_ApplyStageResultCreatesSessionAndItem(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	// Description arrives before translation: the item row is created by whichever stage lands first
	desc := stageResult("sess_2", 0, models.StageDescription, models.MenuItem{
		Name: "ramen", Category: "Noodles", TranslatedName: "Ramen", Description: "Pork broth noodles",
	})
	require.NoError(t, storage.ApplyStageResult(ctx, desc, 2))

	session, err := storage.GetSession(ctx, "sess_2")
	require.NoError(t, err)
	assert.Equal(t, 2, session.TotalItems)

	items, err := storage.GetItems(ctx, "sess_2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ramen", items[0].SourceText)
	assert.Equal(t, "Pork broth noodles", items[0].Description)
	assert.Equal(t, "", items[0].TranslatedText)
	assert.Equal(t, models.ItemStatusPending, items[0].TranslationStatus)
	assert.Equal(t, models.ItemStatusCompleted, items[0].DescriptionStatus)

	tr := stageResult("sess_2", 0, models.StageTranslation, models.MenuItem{
		Name: "ramen", Category: "Noodles", Price: "¥900", TranslatedName: "Ramen",
	})
	require.NoError(t, storage.ApplyStageResult(ctx, tr, 2))

	items, err = storage.GetItems(ctx, "sess_2")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Ramen", items[0].TranslatedText)
	assert.Equal(t, "Pork broth noodles", items[0].Description)
	assert.Equal(t, "¥900", items[0].Price)
	assert.Equal(t, models.ItemStatusCompleted, items[0].TranslationStatus)
	assert.Equal(t, models.ItemStatusCompleted, items[0].DescriptionStatus)
	assert.Equal(t, models.ItemStatusPending, items[0].ImageStatus)
}

func TestSessionStorage_BestEffortCountNeverLowersDeclared(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	_, err := storage.CreateSession(ctx, &models.Session{ID: "sess_3", TotalItems: 10})
	require.NoError(t, err)

	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_3", 0, models.StageTranslation, models.MenuItem{Name: "a"}), 1))

	session, err := storage.GetSession(ctx, "sess_3")
	require.NoError(t, err)
	assert.Equal(t, 10, session.TotalItems)
}

func TestSessionStorage_RedeliveryAppendsNothing(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	image := stageResult("sess_4", 0, models.StageImage, models.MenuItem{
		Name: "gyoza", ImageURL: "https://img.example/gyoza.png", ImagePrompt: "pan-fried dumplings",
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, storage.ApplyStageResult(ctx, image, 1))
	}

	records, err := storage.GetRecords(ctx, "sess_4")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StageImage, records[0].Stage)
	assert.Equal(t, "gemini", records[0].Provider)
	assert.Equal(t, int64(120), records[0].LatencyMS)

	detail, err := storage.GetSessionDetail(ctx, "sess_4")
	require.NoError(t, err)
	require.Len(t, detail.Items, 1)
	require.Len(t, detail.Items[0].Images, 1)
	assert.Equal(t, "https://img.example/gyoza.png", detail.Items[0].Images[0].URL)
	assert.Equal(t, "pan-fried dumplings", detail.Items[0].Images[0].Prompt)

	// A different payload for the same stage is a new audit entry
	retry := *image
	retry.Provider = "fallback"
	retry.Fallback = true
	require.NoError(t, storage.ApplyStageResult(ctx, &retry, 1))

	records, err = storage.GetRecords(ctx, "sess_4")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, records[1].Fallback)
}

func TestSessionStorage_GetRecordsSkipsUndecodableMetadata(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_md", 0, models.StageTranslation,
		models.MenuItem{Name: "pho", TranslatedName: "beef noodle soup"}), 1))
	_, err := storage.db.DB().ExecContext(ctx,
		"UPDATE processing_records SET metadata = ? WHERE session_id = ?", "{not json", "sess_md")
	require.NoError(t, err)

	records, err := storage.GetRecords(ctx, "sess_md")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.StageTranslation, records[0].Stage)
	assert.Empty(t, records[0].Metadata)
}

func TestSessionStorage_ProgressAndCompletion(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	_, err := storage.CreateSession(ctx, &models.Session{ID: "sess_5", TotalItems: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_5", i, models.StageTranslation, models.MenuItem{Name: "x"}), 2))
		require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_5", i, models.StageDescription, models.MenuItem{Name: "x"}), 2))
	}
	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_5", 0, models.StageImage, models.MenuItem{Name: "x"}), 2))

	progress, err := storage.GetProgress(ctx, "sess_5")
	require.NoError(t, err)
	assert.Equal(t, 2, progress.TranslationCompleted)
	assert.Equal(t, 2, progress.DescriptionCompleted)
	assert.Equal(t, 1, progress.ImageCompleted)
	assert.Equal(t, 1, progress.FullyCompleted)
	assert.Equal(t, 50.0, progress.ProgressPercentage)

	completed, err := storage.CompleteSession(ctx, "sess_5")
	require.NoError(t, err)
	assert.False(t, completed)

	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_5", 1, models.StageImage, models.MenuItem{Name: "x"}), 2))

	completed, err = storage.CompleteSession(ctx, "sess_5")
	require.NoError(t, err)
	assert.True(t, completed)

	// Idempotent
	completed, err = storage.CompleteSession(ctx, "sess_5")
	require.NoError(t, err)
	assert.True(t, completed)

	session, err := storage.GetSession(ctx, "sess_5")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, session.Status)
	assert.NotNil(t, session.CompletedAt)

	_, err = storage.GetProgress(ctx, "sess_missing")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSessionStorage_FailAndStaleSessions(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	_, err := storage.CreateSession(ctx, &models.Session{ID: "sess_old", TotalItems: 3, CreatedAt: old})
	require.NoError(t, err)
	_, err = storage.CreateSession(ctx, &models.Session{ID: "sess_new", TotalItems: 3})
	require.NoError(t, err)

	stale, err := storage.ListStaleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"sess_old"}, stale)

	require.NoError(t, storage.FailSession(ctx, "sess_old", 0, "timed out"))

	session, err := storage.GetSession(ctx, "sess_old")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, session.Status)
	assert.Equal(t, "timed out", session.Error)
	assert.Equal(t, 3, session.TotalItems)

	stale, err = storage.ListStaleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Failed sessions never complete
	completed, err := storage.CompleteSession(ctx, "sess_old")
	require.NoError(t, err)
	assert.False(t, completed)

	// Failing an unknown session creates it
	require.NoError(t, storage.FailSession(ctx, "sess_unknown", 5, "submission failed"))
	session, err = storage.GetSession(ctx, "sess_unknown")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, session.Status)
	assert.Equal(t, 5, session.TotalItems)
}

func TestSessionStorage_DeleteSessionCascades(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_6", 0, models.StageImage, models.MenuItem{Name: "x", ImageURL: "u"}), 1))
	require.NoError(t, storage.ApplyStageResult(ctx, stageResult("sess_keep", 0, models.StageTranslation, models.MenuItem{Name: "y"}), 1))

	require.NoError(t, storage.DeleteSession(ctx, "sess_6"))

	_, err := storage.GetSession(ctx, "sess_6")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)

	items, err := storage.GetItems(ctx, "sess_6")
	require.NoError(t, err)
	assert.Empty(t, items)

	records, err := storage.GetRecords(ctx, "sess_6")
	require.NoError(t, err)
	assert.Empty(t, records)

	items, err = storage.GetItems(ctx, "sess_keep")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.ErrorIs(t, storage.DeleteSession(ctx, "sess_6"), interfaces.ErrSessionNotFound)
}

func TestSessionStorage_ConcurrentSessions(t *testing.T) {
	storage := setupSessionStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			sessionID := []string{"a", "b", "c", "d"}[s]
			for i := 0; i < 10; i++ {
				errs <- storage.ApplyStageResult(ctx, stageResult(sessionID, i, models.StageTranslation, models.MenuItem{Name: "n"}), 10)
			}
		}(s)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		progress, err := storage.GetProgress(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 10, progress.TranslationCompleted)
	}
}
