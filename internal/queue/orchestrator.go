package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// OrchestratorConfig holds the policy thresholds and the batch deadline
type OrchestratorConfig struct {
	Policy       PolicyConfig
	TotalTimeout time.Duration
}

// NewOrchestratorConfig converts the [pipeline] section
func NewOrchestratorConfig(cfg common.PipelineConfig) OrchestratorConfig {
	return OrchestratorConfig{
		Policy:       NewPolicyConfig(cfg),
		TotalTimeout: common.ParseDuration(cfg.TotalTimeout, 120*time.Second),
	}
}

// Orchestrator runs one stage over a categorized menu, sequentially or fanned out
// across the worker pool, and always returns a complete menu unless submission failed.
type Orchestrator struct {
	config     OrchestratorConfig
	dispatcher *Dispatcher
	aggregator *Aggregator
	processor  interfaces.UnitProcessor
	events     interfaces.EventService
	logger     arbor.ILogger
}

// NewOrchestrator creates an orchestrator. The processor serves the sequential path and must be
// the same one the worker pool runs. events may be nil.
func NewOrchestrator(config OrchestratorConfig, queue UnitQueue, registry *Registry, processor interfaces.UnitProcessor, events interfaces.EventService, logger arbor.ILogger) *Orchestrator {
	if config.TotalTimeout <= 0 {
		config.TotalTimeout = 120 * time.Second
	}
	return &Orchestrator{
		config:     config,
		dispatcher: NewDispatcher(queue, registry, logger),
		aggregator: NewAggregator(queue, registry, logger),
		processor:  processor,
		events:     events,
		logger:     logger,
	}
}

// Decide applies the configured policy to a menu
func (o *Orchestrator) Decide(menu models.Menu) Decision {
	return Decide(menu, o.config.Policy)
}

// RunStage decides the execution path for the menu and runs the stage. onUnit, when set,
// receives each successful unit as soon as it resolves.
func (o *Orchestrator) RunStage(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, onUnit CompletionFunc) (BatchResult, error) {
	return o.RunStageWith(ctx, sessionID, stage, menu, o.Decide(menu), onUnit)
}

// RunStageWith runs the stage with an explicit decision
func (o *Orchestrator) RunStageWith(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, decision Decision, onUnit CompletionFunc) (BatchResult, error) {
	if !stage.IsTracked() {
		return BatchResult{}, fmt.Errorf("stage %q cannot be orchestrated", stage)
	}

	units := BuildUnits(sessionID, stage, menu, decision)

	o.logger.Info().
		Str("session_id", sessionID).
		Str("stage", string(stage)).
		Bool("parallel", decision.Parallel).
		Str("granularity", string(decision.Granularity)).
		Int("units", len(units)).
		Int("items", menu.TotalItems()).
		Msg("Running stage")

	var result BatchResult
	if decision.Parallel {
		handles, err := o.dispatcher.Dispatch(ctx, units)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("session_id", sessionID).
				Str("stage", string(stage)).
				Msg("Stage batch could not start")
			return BatchResult{}, err
		}
		result = o.aggregator.Aggregate(ctx, sessionID, stage, menu, decision, handles, o.config.TotalTimeout, onUnit)
	} else {
		result = o.runSequential(ctx, sessionID, stage, menu, decision, units, onUnit)
	}

	o.logger.Info().
		Str("session_id", sessionID).
		Str("stage", string(stage)).
		Str("outcome", result.Outcome()).
		Int("failures", len(result.Failures)).
		Dur("duration", result.Duration).
		Msg("Stage batch completed")

	o.publish(ctx, result)
	return result, nil
}

// runSequential processes units inline under the same total deadline as the parallel path
func (o *Orchestrator) runSequential(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, decision Decision, units []models.Unit, onUnit CompletionFunc) BatchResult {
	start := time.Now()
	deadlineCtx, cancel := context.WithTimeout(ctx, o.config.TotalTimeout)
	defer cancel()

	results := make([]models.UnitResult, len(units))
	for i, unit := range units {
		if err := deadlineCtx.Err(); err != nil {
			cause := interfaces.ErrUnitTimeout
			if ctx.Err() != nil {
				cause = fmt.Errorf("%w: %w", interfaces.ErrUnitCancelled, ctx.Err())
			}
			results[i] = models.Failed(unit.ID, cause)
			continue
		}
		results[i] = runProcessor(deadlineCtx, o.processor, unit)
		o.aggregator.notify(ctx, sessionID, stage, unit, results[i], onUnit)
	}

	out := o.aggregator.Assemble(sessionID, stage, menu, decision, units, results)
	out.Duration = time.Since(start)
	return out
}

func (o *Orchestrator) publish(ctx context.Context, result BatchResult) {
	if o.events == nil {
		return
	}
	event := interfaces.Event{
		Type: interfaces.EventBatchCompleted,
		Payload: models.BatchEvent{
			SessionID:   result.SessionID,
			Stage:       result.Stage,
			Outcome:     result.Outcome(),
			Parallel:    result.Decision.Parallel,
			Granularity: result.Decision.Granularity,
			Units:       result.Units,
			Failures:    len(result.Failures),
			DurationMS:  result.Duration.Milliseconds(),
		},
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn().Err(err).Str("session_id", result.SessionID).Msg("Failed to publish batch event")
	}
}
