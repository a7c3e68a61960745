package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
)

// Maintenance job names
const (
	JobStaleSessions = "stale_sessions"
	JobPurgeHeaders  = "purge_session_headers"
)

// SessionFailer marks a session failed. Implemented by the progress service.
type SessionFailer interface {
	FailSession(ctx context.Context, sessionID string, reason string) error
}

// Maintenance holds the periodic cleanup jobs of the pipeline stores
type Maintenance struct {
	durable         interfaces.DurableStore
	ephemeral       interfaces.EphemeralStore
	failer          SessionFailer
	staleAfter      time.Duration
	headerRetention time.Duration
	logger          arbor.ILogger
}

// NewMaintenance creates the maintenance jobs from the [scheduler] section
func NewMaintenance(durable interfaces.DurableStore, ephemeral interfaces.EphemeralStore, failer SessionFailer, config common.SchedulerConfig, logger arbor.ILogger) *Maintenance {
	return &Maintenance{
		durable:         durable,
		ephemeral:       ephemeral,
		failer:          failer,
		staleAfter:      common.ParseDuration(config.StaleAfter, time.Hour),
		headerRetention: common.ParseDuration(config.HeaderRetention, 48*time.Hour),
		logger:          logger,
	}
}

// Register adds both maintenance jobs to the scheduler
func (m *Maintenance) Register(scheduler interfaces.SchedulerService, schedule string) error {
	if err := scheduler.RegisterJob(JobStaleSessions, schedule, "Fail sessions stuck in processing", func(ctx context.Context) error {
		_, err := m.FailStaleSessions(ctx)
		return err
	}); err != nil {
		return err
	}
	return scheduler.RegisterJob(JobPurgeHeaders, schedule, "Purge expired ephemeral session headers", func(ctx context.Context) error {
		_, err := m.PurgeSessionHeaders(ctx)
		return err
	})
}

// FailStaleSessions marks sessions that have been processing longer than staleAfter as failed
func (m *Maintenance) FailStaleSessions(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.staleAfter)
	ids, err := m.durable.ListStaleSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale sessions: %w", err)
	}

	failed := 0
	var errs []error
	for _, id := range ids {
		reason := fmt.Sprintf("session still processing after %s", m.staleAfter)
		if err := m.failer.FailSession(ctx, id, reason); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		failed++
	}

	if failed > 0 {
		m.logger.Warn().
			Int("count", failed).
			Dur("stale_after", m.staleAfter).
			Msg("Stale sessions marked failed")
	}
	return failed, errors.Join(errs...)
}

// PurgeSessionHeaders drops ephemeral session headers older than the retention
func (m *Maintenance) PurgeSessionHeaders(ctx context.Context) (int, error) {
	removed, err := m.ephemeral.PurgeSessionHeaders(ctx, time.Now().Add(-m.headerRetention))
	if err != nil {
		return removed, fmt.Errorf("failed to purge session headers: %w", err)
	}
	if removed > 0 {
		m.logger.Info().Int("count", removed).Msg("Session headers purged")
	}
	return removed, nil
}
