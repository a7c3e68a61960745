package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
	"golang.org/x/sync/errgroup"
)

// Config controls the reconciliation loop
type Config struct {
	Interval    time.Duration
	MarkerTTL   time.Duration
	BatchSize   int
	Concurrency int
}

// NewConfig converts the [reconciler] section
func NewConfig(cfg common.ReconcilerConfig) Config {
	config := Config{
		Interval:    common.ParseDuration(cfg.Interval, 5*time.Second),
		MarkerTTL:   common.ParseDuration(cfg.MarkerTTL, 24*time.Hour),
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return config
}

// Stats summarizes one reconciliation cycle
type Stats struct {
	Scanned   int
	Pending   int
	Written   int
	Failed    int
	Sessions  int
	Completed int
}

// Service moves stage results that are not yet durable from the ephemeral store into the
// durable store. A marker is written only after the durable write succeeded, so every
// result is applied at least once; the durable store ignores repeats.
type Service struct {
	ephemeral interfaces.EphemeralStore
	durable   interfaces.DurableStore
	events    interfaces.EventService
	config    Config
	logger    arbor.ILogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewService creates a reconciler. events may be nil.
func NewService(ephemeral interfaces.EphemeralStore, durable interfaces.DurableStore, events interfaces.EventService, config Config, logger arbor.ILogger) *Service {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Service{
		ephemeral: ephemeral,
		durable:   durable,
		events:    events,
		config:    config,
		logger:    logger,
	}
}

// Start runs the loop in the background until Stop is called or ctx is cancelled
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("reconciler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	stopped := s.stopped
	common.SafeGo(s.logger, "reconciler", func() {
		defer close(stopped)
		s.Run(runCtx)
	})
	return nil
}

// Stop ends the loop and waits for the current cycle to finish
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

// Run reconciles on a fixed interval until ctx is cancelled
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("batch_size", s.config.BatchSize).
		Int("concurrency", s.config.Concurrency).
		Msg("Reconciler started")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("Reconciliation cycle failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

type pendingEntry struct {
	key    models.StageKey
	result models.StageResult
}

// RunOnce performs one scan and durable write pass
func (s *Service) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	bySession := make(map[string][]pendingEntry)

	var candidates []pendingEntry
	err := s.ephemeral.Scan(ctx, "", func(key string, value []byte) error {
		stageKey, ok := models.ParseStageKey(key)
		if !ok {
			return nil
		}
		stats.Scanned++

		var result models.StageResult
		if err := json.Unmarshal(value, &result); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping undecodable stage result")
			return nil
		}
		// The key is authoritative for identity
		result.SessionID = stageKey.SessionID
		result.ItemIndex = stageKey.ItemIndex
		result.Stage = stageKey.Stage

		candidates = append(candidates, pendingEntry{key: stageKey, result: result})
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to scan ephemeral store: %w", err)
	}

	for _, entry := range candidates {
		if stats.Pending >= s.config.BatchSize {
			break
		}
		synced, err := s.ephemeral.Exists(ctx, entry.key.MarkerKey())
		if err != nil {
			return stats, fmt.Errorf("failed to check marker for %s: %w", entry.key, err)
		}
		if synced {
			continue
		}
		stats.Pending++
		bySession[entry.key.SessionID] = append(bySession[entry.key.SessionID], entry)
	}

	if stats.Pending == 0 {
		return stats, nil
	}
	stats.Sessions = len(bySession)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for sessionID, entries := range bySession {
		g.Go(func() error {
			written, failed, completed := s.reconcileSession(gctx, sessionID, entries)
			mu.Lock()
			stats.Written += written
			stats.Failed += failed
			if completed {
				stats.Completed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	s.logger.Debug().
		Int("scanned", stats.Scanned).
		Int("pending", stats.Pending).
		Int("written", stats.Written).
		Int("failed", stats.Failed).
		Int("sessions", stats.Sessions).
		Int("completed", stats.Completed).
		Msg("Reconciliation cycle finished")

	return stats, nil
}

// reconcileSession writes the pending results of one session in item order
func (s *Service) reconcileSession(ctx context.Context, sessionID string, entries []pendingEntry) (written, failed int, completed bool) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key.ItemIndex != entries[j].key.ItemIndex {
			return entries[i].key.ItemIndex < entries[j].key.ItemIndex
		}
		return entries[i].key.Stage < entries[j].key.Stage
	})

	totalHint := s.totalHint(ctx, sessionID, entries)

	for _, entry := range entries {
		if ctx.Err() != nil {
			return written, failed, false
		}

		result := entry.result
		if err := s.durable.ApplyStageResult(ctx, &result, totalHint); err != nil {
			failed++
			s.logger.Warn().
				Err(err).
				Str("session_id", sessionID).
				Int("item_index", entry.key.ItemIndex).
				Str("stage", string(entry.key.Stage)).
				Msg("Durable write failed, will retry next cycle")
			continue
		}

		if err := s.ephemeral.Set(ctx, entry.key.MarkerKey(), []byte("1"), s.config.MarkerTTL); err != nil {
			// The write is repeated next cycle and ignored by the durable store
			s.logger.Warn().
				Err(err).
				Str("key", entry.key.String()).
				Msg("Failed to set reconciled marker")
		}
		written++
	}

	if written == 0 {
		return written, failed, false
	}

	done, err := s.durable.CompleteSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to check session completion")
		return written, failed, false
	}
	if done {
		s.publishCompleted(ctx, sessionID)
	}
	return written, failed, done
}

// totalHint returns the declared item count, or a best-effort count when no header exists
func (s *Service) totalHint(ctx context.Context, sessionID string, entries []pendingEntry) int {
	header, err := s.ephemeral.GetSessionHeader(ctx, sessionID)
	if err == nil {
		return header.TotalItems
	}
	if !errors.Is(err, interfaces.ErrSessionNotFound) {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session header")
	}

	maxIndex := -1
	for _, entry := range entries {
		maxIndex = max(maxIndex, entry.key.ItemIndex)
	}
	return maxIndex + 1
}

func (s *Service) publishCompleted(ctx context.Context, sessionID string) {
	if s.events == nil {
		return
	}
	event := interfaces.Event{
		Type:    interfaces.EventSessionCompleted,
		Payload: models.SessionEvent{SessionID: sessionID, Status: models.SessionStatusCompleted},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Failed to publish session event")
	}
}
