package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// UnitReceiver is the consuming side of the work queue
type UnitReceiver interface {
	Receive(ctx context.Context) (*Message, func() error, error)
}

// VisibilityExtender is implemented by queues that can postpone redelivery of a received unit
type VisibilityExtender interface {
	Extend(ctx context.Context, messageID string, duration time.Duration) error
}

// WorkerPool runs units from the queue through a processor and resolves their handles
type WorkerPool struct {
	queue     UnitReceiver
	registry  *Registry
	processor interfaces.UnitProcessor
	config    Config
	logger    arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue UnitReceiver, registry *Registry, processor interfaces.UnitProcessor, config Config, logger arbor.ILogger) *WorkerPool {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = NewDefaultConfig().PollInterval
	}
	return &WorkerPool{
		queue:     queue,
		registry:  registry,
		processor: processor,
		config:    config,
		logger:    logger,
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start(ctx context.Context) error {
	if wp.cancel != nil {
		return errors.New("worker pool already started")
	}
	wp.ctx, wp.cancel = context.WithCancel(ctx)

	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Dur("poll_interval", wp.config.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight units to return
func (wp *WorkerPool) Stop() error {
	if wp.cancel == nil {
		return nil
	}
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Spread workers evenly across the poll interval
	staggerDelay := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(staggerDelay):
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain everything visible before sleeping again
			for wp.ctx.Err() == nil {
				err := wp.processMessage(workerID)
				if err == nil {
					continue
				}
				// Conflicts are expected when workers race for the same unit and retry on next poll
				if !errors.Is(err, ErrNoMessage) && !errors.Is(err, context.Canceled) && !errors.Is(err, badger.ErrConflict) {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
				}
				break
			}
		}
	}
}

// processMessage receives and processes a single unit
func (wp *WorkerPool) processMessage(workerID int) error {
	msg, deleteFn, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			return err
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	handle, ok := wp.registry.Lookup(msg.UnitID)
	if !ok {
		// The batch is gone (deadline, cancellation or another process restarted)
		wp.logger.Debug().
			Str("unit_id", msg.UnitID).
			Str("session_id", msg.SessionID).
			Int("worker_id", workerID).
			Msg("No live handle for unit, discarding")
		return deleteFn()
	}

	unit, err := msg.Unit()
	if err != nil {
		handle.Cancel(fmt.Errorf("%w: decode unit: %w", interfaces.ErrInvalidUnitResult, err))
		if delErr := deleteFn(); delErr != nil {
			wp.logger.Warn().Err(delErr).Str("unit_id", msg.UnitID).Msg("Failed to delete invalid message")
		}
		return fmt.Errorf("invalid message body: %w", err)
	}

	wp.logger.Debug().
		Str("unit_id", unit.ID).
		Str("session_id", unit.SessionID).
		Str("stage", string(unit.Stage)).
		Str("category", unit.Category).
		Int("chunk_index", unit.ChunkIndex).
		Int("worker_id", workerID).
		Msg("Processing unit")

	stop := wp.keepVisible(msg.UnitID)
	result := runProcessor(handle.Context(), wp.processor, unit)
	stop()

	if !handle.Resolve(result) {
		wp.logger.Debug().
			Str("unit_id", unit.ID).
			Str("session_id", unit.SessionID).
			Str("stage", string(unit.Stage)).
			Msg("Late result dropped")
	}

	return deleteFn()
}

// keepVisible extends the unit's visibility every third of the visibility timeout until the
// returned stop function is called. Queues without VisibilityExtender are left alone.
func (wp *WorkerPool) keepVisible(messageID string) func() {
	extender, ok := wp.queue.(VisibilityExtender)
	if !ok || wp.config.VisibilityTimeout <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(wp.config.VisibilityTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-wp.ctx.Done():
				return
			case <-ticker.C:
				err := extender.Extend(wp.ctx, messageID, wp.config.VisibilityTimeout)
				if errors.Is(err, badger.ErrKeyNotFound) {
					return
				}
				if err != nil {
					// Retried on the next tick
					wp.logger.Warn().
						Err(err).
						Str("unit_id", messageID).
						Msg("Failed to extend unit visibility")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// runProcessor selects the processor method for the unit's stage and contains panics
func runProcessor(ctx context.Context, processor interfaces.UnitProcessor, unit models.Unit) (result models.UnitResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = models.Failed(unit.ID, common.RecoverPanic(r))
		}
		if result.Latency == 0 {
			result.Latency = time.Since(start)
		}
		result.UnitID = unit.ID
	}()

	if err := ctx.Err(); err != nil {
		return models.Failed(unit.ID, fmt.Errorf("%w: %w", interfaces.ErrUnitCancelled, err))
	}

	switch unit.Stage {
	case models.StageTranslation:
		return processor.Translate(ctx, unit)
	case models.StageDescription:
		return processor.Describe(ctx, unit)
	case models.StageImage:
		return processor.Illustrate(ctx, unit)
	default:
		return models.Failed(unit.ID, fmt.Errorf("stage %q is not processed per unit", unit.Stage))
	}
}
