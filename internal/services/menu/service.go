package menu

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"github.com/ternarybob/menulens/internal/queue"
)

// DefaultCategory groups items the categorizer could not place
const DefaultCategory = "Menu"

// ErrNoItems is returned when a menu yields no dishes
var ErrNoItems = errors.New("no menu items found")

// StageRunner runs one orchestrated stage over a categorized menu, reporting each unit
// to onUnit as it completes
type StageRunner interface {
	RunStage(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, onUnit queue.CompletionFunc) (queue.BatchResult, error)
}

// ProgressRecorder is the progress tracking the pipeline writes to
type ProgressRecorder interface {
	CreateSession(ctx context.Context, sessionID string, totalItems int, metadata map[string]interface{}) error
	MarkStageComplete(ctx context.Context, result *models.StageResult) error
	FailSession(ctx context.Context, sessionID string, reason string) error
}

// Request is one menu submitted for processing. Exactly one of Image or Lines is set.
type Request struct {
	Image         []byte
	ImageMIMEType string
	Lines         []string `validate:"omitempty,max=500,dive,max=500"`
}

// Service runs the menu pipeline end to end: OCR, categorize, then the orchestrated
// translation, description and image stages.
type Service struct {
	reader   interfaces.MenuReader
	runner   StageRunner
	progress ProgressRecorder
	durable  interfaces.DurableStore
	validate *validator.Validate
	logger   arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the pipeline service
func NewService(reader interfaces.MenuReader, runner StageRunner, progress ProgressRecorder, durable interfaces.DurableStore, logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		reader:   reader,
		runner:   runner,
		progress: progress,
		durable:  durable,
		validate: validator.New(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit validates the request, registers a new session and runs the pipeline in the
// background. It returns the session id immediately.
func (s *Service) Submit(ctx context.Context, req *Request) (string, error) {
	if err := s.check(req); err != nil {
		return "", err
	}

	sessionID := common.NewSessionID()
	session := &models.Session{
		ID:        sessionID,
		Status:    models.SessionStatusProcessing,
		Metadata:  requestMetadata(req),
		CreatedAt: time.Now(),
	}
	if _, err := s.durable.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	s.wg.Add(1)
	common.SafeGo(s.logger, "menuPipeline", func() {
		defer s.wg.Done()
		if _, err := s.Process(s.ctx, sessionID, req); err != nil {
			s.logger.Error().
				Err(err).
				Str("session_id", sessionID).
				Msg("Menu pipeline failed")
		}
	})

	return sessionID, nil
}

// Process runs every stage for one session and returns the final menu. Unit failures inside
// a stage degrade to placeholders; only failures that leave no menu at all fail the session.
func (s *Service) Process(ctx context.Context, sessionID string, req *Request) (*models.FinalMenu, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	start := time.Now()

	items, err := s.readItems(ctx, req)
	if err == nil && len(items) == 0 {
		err = ErrNoItems
	}
	if err != nil {
		return nil, s.fail(ctx, sessionID, err)
	}

	if err := s.progress.CreateSession(ctx, sessionID, len(items), requestMetadata(req)); err != nil {
		return nil, s.fail(ctx, sessionID, err)
	}

	degraded := false
	categorized, err := s.reader.Categorize(ctx, items)
	if err != nil {
		// Continue with a single category rather than dropping the menu
		s.logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Msg("Categorize failed, using a single category")
		categorized = items
		degraded = true
	}
	menu := models.GroupByCategory(categorized, DefaultCategory)

	for _, stage := range models.TrackedStages {
		recorded := make(map[int]bool)
		batch, err := s.runner.RunStage(ctx, sessionID, stage, menu, func(ctx context.Context, c queue.UnitCompletion) {
			s.recordUnit(ctx, c, recorded)
		})
		if err != nil {
			return nil, s.fail(ctx, sessionID, fmt.Errorf("%s stage: %w", stage, err))
		}
		menu = batch.Menu
		if !batch.Success {
			degraded = true
		}
		if err := s.record(ctx, sessionID, stage, batch, recorded); err != nil {
			return nil, s.fail(ctx, sessionID, err)
		}
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Int("items", menu.TotalItems()).
		Int("categories", len(menu.Categories)).
		Bool("degraded", degraded).
		Dur("duration", time.Since(start)).
		Msg("Menu pipeline finished")

	return &models.FinalMenu{SessionID: sessionID, Menu: menu, Degraded: degraded}, nil
}

// Close cancels running pipelines and waits for them to stop
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Service) check(req *Request) error {
	if req == nil {
		return errors.New("request is required")
	}
	hasImage := len(req.Image) > 0
	hasLines := len(req.Lines) > 0
	if hasImage == hasLines {
		return errors.New("exactly one of image or lines is required")
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// readItems runs OCR for images and numbers submitted lines directly
func (s *Service) readItems(ctx context.Context, req *Request) ([]models.MenuItem, error) {
	if len(req.Image) > 0 {
		return s.reader.ExtractItems(ctx, req.Image, req.ImageMIMEType)
	}

	items := make([]models.MenuItem, 0, len(req.Lines))
	for _, line := range req.Lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		items = append(items, models.MenuItem{Index: len(items), Name: line})
	}
	return items, nil
}

// recordUnit writes the items of a completed unit while the rest of the stage is still running.
// Items that fail to record here are retried by record once the stage finishes.
func (s *Service) recordUnit(ctx context.Context, c queue.UnitCompletion, recorded map[int]bool) {
	now := time.Now()
	for _, item := range c.Items {
		provider := item.Provider
		if provider == "" {
			provider = c.Provider
		}
		result := &models.StageResult{
			SessionID:   c.SessionID,
			ItemIndex:   item.Index,
			Stage:       c.Stage,
			Status:      models.ItemStatusCompleted,
			Item:        item,
			Provider:    provider,
			LatencyMS:   c.Latency.Milliseconds(),
			Fallback:    item.Fallback,
			CompletedAt: now,
		}
		if err := s.progress.MarkStageComplete(ctx, result); err != nil {
			s.logger.Warn().
				Err(err).
				Str("session_id", c.SessionID).
				Str("stage", string(c.Stage)).
				Int("item_index", item.Index).
				Msg("Failed to record unit item")
			continue
		}
		recorded[item.Index] = true
	}
}

// record writes a stage completion for every item of the batch not already recorded by recordUnit,
// which leaves the fallback items of failed or timed-out units
func (s *Service) record(ctx context.Context, sessionID string, stage models.Stage, batch queue.BatchResult, recorded map[int]bool) error {
	now := time.Now()
	for _, item := range batch.Menu.Items() {
		if recorded[item.Index] {
			continue
		}
		result := &models.StageResult{
			SessionID:   sessionID,
			ItemIndex:   item.Index,
			Stage:       stage,
			Status:      models.ItemStatusCompleted,
			Item:        item,
			Provider:    item.Provider,
			LatencyMS:   batch.ItemLatency[item.Index].Milliseconds(),
			Fallback:    item.Fallback,
			CompletedAt: now,
		}
		if err := s.progress.MarkStageComplete(ctx, result); err != nil {
			return fmt.Errorf("failed to record %s for item %d: %w", stage, item.Index, err)
		}
	}
	return nil
}

// fail marks the session failed and returns the cause
func (s *Service) fail(ctx context.Context, sessionID string, cause error) error {
	// The session must be marked even when the pipeline context was cancelled
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.progress.FailSession(failCtx, sessionID, cause.Error()); err != nil {
		s.logger.Error().
			Err(err).
			Str("session_id", sessionID).
			Msg("Failed to mark session failed")
	}
	return cause
}

func requestMetadata(req *Request) map[string]interface{} {
	source := "lines"
	if len(req.Image) > 0 {
		source = "image"
	}
	return map[string]interface{}{"source": source}
}
