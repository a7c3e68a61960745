package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// Progress sources reported in snapshots
const (
	SourceEphemeral = "ephemeral"
	SourceDurable   = "durable"
	SourceMerged    = "merged"
)

// Service tracks per-item stage completion. The hot path writes only the ephemeral store;
// the durable store is read for progress and asked to confirm completion.
type Service struct {
	ephemeral interfaces.EphemeralStore
	durable   interfaces.DurableStore
	events    interfaces.EventService
	ttl       time.Duration
	logger    arbor.ILogger
}

// NewService creates a progress tracker. events may be nil.
func NewService(ephemeral interfaces.EphemeralStore, durable interfaces.DurableStore, events interfaces.EventService, ttl time.Duration, logger arbor.ILogger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		ephemeral: ephemeral,
		durable:   durable,
		events:    events,
		ttl:       ttl,
		logger:    logger,
	}
}

// CreateSession records the declared item count of a new session. Calling it again for the
// same session keeps the first header.
func (s *Service) CreateSession(ctx context.Context, sessionID string, totalItems int, metadata map[string]interface{}) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if totalItems < 0 {
		return fmt.Errorf("invalid item count %d", totalItems)
	}

	if _, err := s.ephemeral.GetSessionHeader(ctx, sessionID); err == nil {
		return nil
	} else if !errors.Is(err, interfaces.ErrSessionNotFound) {
		return fmt.Errorf("failed to read session header: %w", err)
	}

	header := &models.SessionHeader{
		SessionID:  sessionID,
		TotalItems: totalItems,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := s.ephemeral.PutSessionHeader(ctx, header); err != nil {
		return fmt.Errorf("failed to write session header: %w", err)
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Int("total_items", totalItems).
		Msg("Session created")
	return nil
}

// MarkStageComplete writes one stage result to the ephemeral store. Writing the same
// result twice leaves the same state as writing it once.
func (s *Service) MarkStageComplete(ctx context.Context, result *models.StageResult) error {
	if result == nil {
		return errors.New("stage result is required")
	}
	if !result.Stage.IsTracked() {
		return fmt.Errorf("stage %q is not tracked", result.Stage)
	}
	if result.ItemIndex < 0 {
		return fmt.Errorf("invalid item index %d", result.ItemIndex)
	}
	if result.Status == "" {
		result.Status = models.ItemStatusCompleted
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode stage result: %w", err)
	}

	key := models.StageKey{SessionID: result.SessionID, ItemIndex: result.ItemIndex, Stage: result.Stage}
	if err := s.ephemeral.Set(ctx, key.String(), data, s.ttl); err != nil {
		return fmt.Errorf("failed to write stage result %s: %w", key, err)
	}

	s.publishStage(ctx, result)
	return nil
}

func (s *Service) publishStage(ctx context.Context, result *models.StageResult) {
	if s.events == nil {
		return
	}
	event := models.StageEvent{
		SessionID: result.SessionID,
		ItemIndex: result.ItemIndex,
		Stage:     result.Stage,
		Status:    result.Status,
		Fallback:  result.Fallback,
		Timestamp: result.CompletedAt,
	}
	if snapshot, err := s.GetProgress(ctx, result.SessionID); err == nil {
		event.Progress = snapshot
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventStageProgress, Payload: event}); err != nil {
		s.logger.Debug().Err(err).Str("session_id", result.SessionID).Msg("Failed to publish stage event")
	}
}

// GetProgress derives the snapshot from the union of ephemeral stage results and durable
// item status, so expiry of either side never lowers it. Returns ErrSessionNotFound when
// neither store knows the session.
func (s *Service) GetProgress(ctx context.Context, sessionID string) (*models.Progress, error) {
	stages := make(models.ItemStages)
	total := 0
	known := false
	fromEphemeral, fromDurable := false, false

	header, err := s.ephemeral.GetSessionHeader(ctx, sessionID)
	switch {
	case err == nil:
		known = true
		total = header.TotalItems
	case !errors.Is(err, interfaces.ErrSessionNotFound):
		return nil, fmt.Errorf("failed to read session header: %w", err)
	}

	maxIndex := -1
	err = s.ephemeral.Scan(ctx, models.SessionItemPrefix(sessionID), func(key string, value []byte) error {
		stageKey, ok := models.ParseStageKey(key)
		if !ok || stageKey.SessionID != sessionID {
			return nil
		}
		var result models.StageResult
		if err := json.Unmarshal(value, &result); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable stage result")
			return nil
		}
		known = true
		fromEphemeral = true
		maxIndex = max(maxIndex, stageKey.ItemIndex)
		if result.Status == models.ItemStatusCompleted {
			stages.Mark(stageKey.ItemIndex, stageKey.Stage)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage results: %w", err)
	}

	status := models.SessionStatusProcessing
	if s.durable != nil {
		session, err := s.durable.GetSession(ctx, sessionID)
		switch {
		case err == nil:
			known = true
			fromDurable = true
			total = max(total, session.TotalItems)
			status = session.Status

			items, err := s.durable.GetItems(ctx, sessionID)
			if err != nil {
				return nil, fmt.Errorf("failed to read durable items: %w", err)
			}
			for _, item := range items {
				for _, stage := range models.TrackedStages {
					if item.StageStatus(stage) == models.ItemStatusCompleted {
						stages.Mark(item.ItemIndex, stage)
					}
				}
			}
		case !errors.Is(err, interfaces.ErrSessionNotFound):
			return nil, fmt.Errorf("failed to read durable session: %w", err)
		}
	}

	if !known {
		return nil, interfaces.ErrSessionNotFound
	}
	if total == 0 && header == nil {
		// No declared count anywhere yet
		total = maxIndex + 1
	}

	snapshot := models.ComputeProgress(sessionID, total, stages)
	snapshot.Status = string(status)
	switch {
	case fromEphemeral && fromDurable:
		snapshot.Source = SourceMerged
	case fromDurable:
		snapshot.Source = SourceDurable
	default:
		snapshot.Source = SourceEphemeral
	}
	return &snapshot, nil
}

// CompleteSession asks the durable store to mark the session completed. It only succeeds
// once every declared item has all stages durably completed.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (bool, error) {
	completed, err := s.durable.CompleteSession(ctx, sessionID)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		// Not reconciled yet
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to complete session: %w", err)
	}
	if completed {
		s.publishSession(ctx, models.SessionEvent{SessionID: sessionID, Status: models.SessionStatusCompleted})
	}
	return completed, nil
}

// FailSession marks the session failed when the pipeline gives up on it
func (s *Service) FailSession(ctx context.Context, sessionID string, reason string) error {
	totalHint := 0
	if header, err := s.ephemeral.GetSessionHeader(ctx, sessionID); err == nil {
		totalHint = header.TotalItems
	}
	if err := s.durable.FailSession(ctx, sessionID, totalHint, reason); err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}

	s.logger.Warn().
		Str("session_id", sessionID).
		Str("reason", reason).
		Msg("Session failed")
	s.publishSession(ctx, models.SessionEvent{SessionID: sessionID, Status: models.SessionStatusFailed, Error: reason})
	return nil
}

func (s *Service) publishSession(ctx context.Context, event models.SessionEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, interfaces.Event{Type: interfaces.EventSessionCompleted, Payload: event}); err != nil {
		s.logger.Debug().Err(err).Str("session_id", event.SessionID).Msg("Failed to publish session event")
	}
}
