package menu

import (
	"context"
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
	"github.com/ternarybob/menulens/internal/models"
	"github.com/ternarybob/menulens/internal/queue"
	"github.com/ternarybob/menulens/internal/services/progress"
	"github.com/ternarybob/menulens/internal/storage/badger"
	"github.com/ternarybob/menulens/internal/storage/sqlite"
)

type fakeReader struct {
	items         []models.MenuItem
	extractErr    error
	categorizeErr error
}

func (f *fakeReader) ExtractItems(ctx context.Context, image []byte, mimeType string) ([]models.MenuItem, error) {
	return f.items, f.extractErr
}

func (f *fakeReader) Categorize(ctx context.Context, items []models.MenuItem) ([]models.MenuItem, error) {
	if f.categorizeErr != nil {
		return nil, f.categorizeErr
	}
	out := make([]models.MenuItem, len(items))
	for i, item := range items {
		item.Category = "Mains"
		if i%2 == 1 {
			item.Category = "Drinks"
		}
		out[i] = item
	}
	return out, nil
}

// fakeRunner fills each stage's field, or falls back for failStage
type fakeRunner struct {
	mu        sync.Mutex
	failStage models.Stage
	errStage  models.Stage
	stages    []models.Stage
}

func (f *fakeRunner) RunStage(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, onUnit queue.CompletionFunc) (queue.BatchResult, error) {
	f.mu.Lock()
	f.stages = append(f.stages, stage)
	f.mu.Unlock()

	if stage == f.errStage {
		return queue.BatchResult{}, errors.New("queue unavailable")
	}

	out := menu.Clone()
	latency := make(map[int]time.Duration)
	for c := range out.Categories {
		items := out.Categories[c].Items
		if stage == f.failStage {
			out.Categories[c].Items = queue.Fallback(stage, items)
			continue
		}
		for i := range items {
			switch stage {
			case models.StageTranslation:
				items[i].TranslatedName = "EN " + items[i].Name
			case models.StageDescription:
				items[i].Description = "About " + items[i].Name
			case models.StageImage:
				items[i].ImageURL = fmt.Sprintf("/images/%d.png", items[i].Index)
			}
			items[i].Provider = "gemini"
			items[i].Fallback = false
			latency[items[i].Index] = 5 * time.Millisecond
		}
		if onUnit != nil {
			onUnit(ctx, queue.UnitCompletion{
				SessionID: sessionID,
				Stage:     stage,
				Unit:      models.Unit{Category: out.Categories[c].Name, Position: c, Kind: models.UnitKindCategory, ChunkCount: 1},
				Items:     items,
				Provider:  "gemini",
				Latency:   5 * time.Millisecond,
			})
		}
	}
	return queue.BatchResult{
		SessionID:   sessionID,
		Stage:       stage,
		Menu:        out,
		Success:     stage != f.failStage,
		ItemLatency: latency,
	}, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	totals   map[string]int
	results  []models.StageResult
	failures map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{totals: make(map[string]int), failures: make(map[string]string)}
}

func (f *fakeRecorder) CreateSession(ctx context.Context, sessionID string, totalItems int, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[sessionID] = totalItems
	return nil
}

func (f *fakeRecorder) MarkStageComplete(ctx context.Context, result *models.StageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, *result)
	return nil
}

func (f *fakeRecorder) FailSession(ctx context.Context, sessionID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sessionID] = reason
	return nil
}

func (f *fakeRecorder) failure(sessionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.failures[sessionID]
	return reason, ok
}

func setupService(t *testing.T, reader *fakeReader, runner *fakeRunner, recorder *fakeRecorder) *Service {
	t.Helper()
	logger := arbor.NewLogger()
	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "menu.db"),
		WALMode:       true,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	durable := sqlite.NewSessionStorage(db, logger)
	t.Cleanup(func() { durable.Close() })

	svc := NewService(reader, runner, recorder, durable, logger)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestProcess_Lines(t *testing.T) {
	runner := &fakeRunner{}
	recorder := newFakeRecorder()
	svc := setupService(t, &fakeReader{}, runner, recorder)

	final, err := svc.Process(context.Background(), "sess_lines", &Request{Lines: []string{"Pho", " ", "Tra Da", "Banh Mi"}})
	require.NoError(t, err)

	assert.Equal(t, "sess_lines", final.SessionID)
	assert.False(t, final.Degraded)
	assert.Equal(t, 3, final.Menu.TotalItems())
	require.Len(t, final.Menu.Categories, 2)
	assert.Equal(t, "Mains", final.Menu.Categories[0].Name)
	assert.Equal(t, "Drinks", final.Menu.Categories[1].Name)

	first := final.Menu.Categories[0].Items[0]
	assert.Equal(t, "EN Pho", first.TranslatedName)
	assert.Equal(t, "About Pho", first.Description)
	assert.Equal(t, "/images/0.png", first.ImageURL)

	assert.Equal(t, models.TrackedStages, runner.stages)
	assert.Equal(t, 3, recorder.totals["sess_lines"])
	// One completion per item per stage
	assert.Len(t, recorder.results, 9)
	for _, r := range recorder.results {
		assert.Equal(t, "gemini", r.Provider)
		assert.Equal(t, int64(5), r.LatencyMS)
		assert.False(t, r.Fallback)
	}
}

func TestProcess_DegradedStageStillCompletes(t *testing.T) {
	runner := &fakeRunner{failStage: models.StageDescription}
	recorder := newFakeRecorder()
	svc := setupService(t, &fakeReader{}, runner, recorder)

	final, err := svc.Process(context.Background(), "sess_degraded", &Request{Lines: []string{"Pho", "Tra Da"}})
	require.NoError(t, err)
	assert.True(t, final.Degraded)

	for _, item := range final.Menu.Items() {
		assert.Equal(t, queue.FallbackDescription, item.Description)
		assert.NotEmpty(t, item.ImageURL)
	}

	fallbacks := 0
	for _, r := range recorder.results {
		if r.Stage == models.StageDescription {
			assert.True(t, r.Fallback)
			assert.Equal(t, queue.FallbackProvider, r.Provider)
			fallbacks++
		}
	}
	assert.Equal(t, 2, fallbacks)
	_, failed := recorder.failure("sess_degraded")
	assert.False(t, failed)
}

func TestProcess_CategorizeFailureUsesDefaultCategory(t *testing.T) {
	recorder := newFakeRecorder()
	svc := setupService(t, &fakeReader{categorizeErr: errors.New("model down")}, &fakeRunner{}, recorder)

	final, err := svc.Process(context.Background(), "sess_cat", &Request{Lines: []string{"Pho", "Tra Da"}})
	require.NoError(t, err)
	assert.True(t, final.Degraded)
	require.Len(t, final.Menu.Categories, 1)
	assert.Equal(t, DefaultCategory, final.Menu.Categories[0].Name)
}

func TestProcess_FailsSession(t *testing.T) {
	tests := []struct {
		name   string
		reader *fakeReader
		runner *fakeRunner
		req    *Request
	}{
		{
			name:   "ocr error",
			reader: &fakeReader{extractErr: errors.New("unreadable")},
			runner: &fakeRunner{},
			req:    &Request{Image: []byte("jpeg"), ImageMIMEType: "image/jpeg"},
		},
		{
			name:   "no items",
			reader: &fakeReader{},
			runner: &fakeRunner{},
			req:    &Request{Image: []byte("jpeg"), ImageMIMEType: "image/jpeg"},
		},
		{
			name:   "submission failure",
			reader: &fakeReader{},
			runner: &fakeRunner{errStage: models.StageImage},
			req:    &Request{Lines: []string{"Pho"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := newFakeRecorder()
			svc := setupService(t, tt.reader, tt.runner, recorder)

			_, err := svc.Process(context.Background(), "sess_fail", tt.req)
			require.Error(t, err)

			reason, failed := recorder.failure("sess_fail")
			assert.True(t, failed)
			assert.Equal(t, err.Error(), reason)
		})
	}
}

func TestProcess_RejectsBadRequests(t *testing.T) {
	svc := setupService(t, &fakeReader{}, &fakeRunner{}, newFakeRecorder())
	ctx := context.Background()

	_, err := svc.Process(ctx, "s", nil)
	assert.Error(t, err)
	_, err = svc.Process(ctx, "s", &Request{})
	assert.Error(t, err)
	_, err = svc.Process(ctx, "s", &Request{Image: []byte("x"), Lines: []string{"Pho"}})
	assert.Error(t, err)
}

func TestSubmit_RunsInBackground(t *testing.T) {
	recorder := newFakeRecorder()
	reader := &fakeReader{items: []models.MenuItem{{Index: 0, Name: "Pho"}, {Index: 1, Name: "Tra Da"}}}
	svc := setupService(t, reader, &fakeRunner{}, recorder)

	sessionID, err := svc.Submit(context.Background(), &Request{Image: []byte("jpeg"), ImageMIMEType: "image/jpeg"})
	require.NoError(t, err)
	assert.Contains(t, sessionID, "sess_")

	session, err := svc.durable.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusProcessing, session.Status)
	assert.Equal(t, "image", session.Metadata["source"])

	assert.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.results) == 6
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcess_RecordsUnitsBeforeStageFinishes(t *testing.T) {
	recorder := newFakeRecorder()
	svc := setupService(t, &fakeReader{}, &fakeRunner{}, recorder)

	final, err := svc.Process(context.Background(), "sess_units", &Request{Lines: []string{"Pho", "Tra Da"}})
	require.NoError(t, err)
	assert.False(t, final.Degraded)

	// Units recorded as they complete are not written again after the stage
	seen := make(map[string]int)
	for _, r := range recorder.results {
		seen[fmt.Sprintf("%s/%d", r.Stage, r.ItemIndex)]++
	}
	assert.Len(t, seen, 6)
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
}

// gateProcessor translates immediately except for units of blocked, which wait for release
type gateProcessor struct {
	blocked string
	release chan struct{}
}

func (p *gateProcessor) fill(ctx context.Context, unit models.Unit, set func(*models.MenuItem)) models.UnitResult {
	if unit.Category == p.blocked {
		select {
		case <-p.release:
		case <-ctx.Done():
			return models.Failed(unit.ID, ctx.Err())
		}
	}
	items := make([]models.MenuItem, len(unit.Items))
	for i, item := range unit.Items {
		set(&item)
		items[i] = item
	}
	return models.Succeeded(unit.ID, "gemini", items, time.Millisecond)
}

func (p *gateProcessor) Translate(ctx context.Context, unit models.Unit) models.UnitResult {
	return p.fill(ctx, unit, func(item *models.MenuItem) { item.TranslatedName = "EN " + item.Name })
}

func (p *gateProcessor) Describe(ctx context.Context, unit models.Unit) models.UnitResult {
	return p.fill(ctx, unit, func(item *models.MenuItem) { item.Description = "About " + item.Name })
}

func (p *gateProcessor) Illustrate(ctx context.Context, unit models.Unit) models.UnitResult {
	return p.fill(ctx, unit, func(item *models.MenuItem) { item.ImageURL = fmt.Sprintf("/images/%d.png", item.Index) })
}

func TestProcess_ProgressVisibleWhileUnitBlocked(t *testing.T) {
	logger := arbor.NewLogger()
	dir := t.TempDir()

	badgerDB, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	sqlDB, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{Path: filepath.Join(dir, "menu.db"), WALMode: true, BusyTimeoutMS: 5000})
	require.NoError(t, err)
	durable := sqlite.NewSessionStorage(sqlDB, logger)
	t.Cleanup(func() { durable.Close() })

	config := queue.NewDefaultConfig()
	config.QueueName = "menu_progress"
	config.PollInterval = 5 * time.Millisecond
	config.Concurrency = 2
	mgr, err := queue.NewBadgerManager(badgerDB.DB(), config)
	require.NoError(t, err)

	processor := &gateProcessor{blocked: "Drinks", release: make(chan struct{})}
	registry := queue.NewRegistry()
	pool := queue.NewWorkerPool(mgr, registry, processor, config, logger)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { pool.Stop() })

	orchestrator := queue.NewOrchestrator(queue.OrchestratorConfig{
		Policy:       queue.PolicyConfig{Enabled: true, CategoryThreshold: 2},
		TotalTimeout: 10 * time.Second,
	}, mgr, registry, processor, nil, logger)
	tracker := progress.NewService(badger.NewEphemeralStore(badgerDB, logger), durable, nil, time.Hour, logger)

	svc := NewService(&fakeReader{}, orchestrator, tracker, durable, logger)
	t.Cleanup(func() { svc.Close() })

	type outcome struct {
		final *models.FinalMenu
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		final, err := svc.Process(context.Background(), "sess_gate", &Request{Lines: []string{"Pho", "Tra Da", "Banh Mi", "Ca Phe"}})
		done <- outcome{final, err}
	}()

	// Mains finishes translation while Drinks is still held
	require.Eventually(t, func() bool {
		snapshot, err := tracker.GetProgress(context.Background(), "sess_gate")
		return err == nil && snapshot.TranslationCompleted == 2
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("pipeline finished while a unit was blocked")
	default:
	}
	snapshot, err := tracker.GetProgress(context.Background(), "sess_gate")
	require.NoError(t, err)
	assert.Equal(t, 4, snapshot.TotalItems)
	assert.Equal(t, 0, snapshot.DescriptionCompleted)

	close(processor.release)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.False(t, out.final.Degraded)
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish after release")
	}

	snapshot, err = tracker.GetProgress(context.Background(), "sess_gate")
	require.NoError(t, err)
	assert.Equal(t, 4, snapshot.FullyCompleted)
}
