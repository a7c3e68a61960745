package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// Batch outcomes reported in events and logs
const (
	OutcomeSucceeded = "succeeded"
	OutcomeDegraded  = "degraded"
)

// BatchResult is the recombined output of one stage batch.
// A batch that could not be submitted never produces a BatchResult.
type BatchResult struct {
	SessionID string
	Stage     models.Stage
	Decision  Decision
	Menu      models.Menu
	Failures  []models.UnitFailure
	Success   bool // true iff no unit failed
	Units     int
	Duration  time.Duration

	// ItemLatency is the latency of the unit that produced each item, keyed by item index
	ItemLatency map[int]time.Duration
}

// Outcome reports whether the batch fully succeeded or degraded to fallback output
func (b BatchResult) Outcome() string {
	if b.Success {
		return OutcomeSucceeded
	}
	return OutcomeDegraded
}

// Aggregator waits on a batch of handles and stitches their results back together
type Aggregator struct {
	queue    UnitQueue
	registry *Registry
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewAggregator creates an aggregator sharing the dispatcher's queue and registry
func NewAggregator(queue UnitQueue, registry *Registry, logger arbor.ILogger) *Aggregator {
	return &Aggregator{
		queue:    queue,
		registry: registry,
		validate: validator.New(),
		logger:   logger,
	}
}

// UnitCompletion is the accepted output of one successful unit, reported as soon as the
// unit resolves
type UnitCompletion struct {
	SessionID string
	Stage     models.Stage
	Unit      models.Unit
	Items     []models.MenuItem
	Provider  string
	Latency   time.Duration
}

// CompletionFunc receives unit completions. It is called on the goroutine running the
// stage, one unit at a time. Failed units are never reported; they surface as fallback
// items in the BatchResult.
type CompletionFunc func(ctx context.Context, completion UnitCompletion)

// Await blocks until every handle resolved or the shared deadline passed. onResolved, when
// set, is called for each handle in the order the handles resolve.
// Handles still open at the deadline are cancelled with ErrUnitTimeout and their queued
// messages removed. Results are returned in handle order.
func (a *Aggregator) Await(ctx context.Context, handles []*Handle, timeout time.Duration, onResolved func(i int, result models.UnitResult)) []models.UnitResult {
	if len(handles) == 0 {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Every handle resolves eventually, at the latest when cancelled below
	resolved := make(chan int, len(handles))
	for i, h := range handles {
		go func() {
			<-h.Done()
			resolved <- i
		}()
	}

	var cause error
	for pending := len(handles); pending > 0 && cause == nil; {
		select {
		case i := <-resolved:
			pending--
			if onResolved != nil {
				onResolved(i, handles[i].Result())
			}
		case <-timer.C:
			cause = interfaces.ErrUnitTimeout
		case <-ctx.Done():
			cause = fmt.Errorf("%w: %w", interfaces.ErrUnitCancelled, ctx.Err())
		}
	}

	ids := make([]string, len(handles))
	var outstanding []string
	for i, h := range handles {
		ids[i] = h.Unit().ID
		if cause != nil && h.Cancel(cause) {
			outstanding = append(outstanding, h.Unit().ID)
		}
	}
	a.registry.Remove(ids...)

	if len(outstanding) > 0 {
		a.logger.Warn().
			Str("session_id", handles[0].Unit().SessionID).
			Str("stage", string(handles[0].Unit().Stage)).
			Int("outstanding", len(outstanding)).
			Err(cause).
			Msg("Batch deadline reached, cancelling outstanding units")

		// Units still queued must not be picked up after the batch has moved on
		cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := a.queue.Cancel(cancelCtx, outstanding); err != nil {
			a.logger.Warn().Err(err).Int("units", len(outstanding)).Msg("Failed to remove cancelled units from queue")
		}
		cancel()
	}

	results := make([]models.UnitResult, len(handles))
	for i, h := range handles {
		results[i] = h.Result()
	}
	return results
}

// Aggregate awaits the handles of a dispatched batch and assembles the stage output.
// onUnit may be nil.
func (a *Aggregator) Aggregate(ctx context.Context, sessionID string, stage models.Stage, menu models.Menu, decision Decision, handles []*Handle, timeout time.Duration, onUnit CompletionFunc) BatchResult {
	start := time.Now()

	units := make([]models.Unit, len(handles))
	for i, h := range handles {
		units[i] = h.Unit()
	}
	results := a.Await(ctx, handles, timeout, func(i int, result models.UnitResult) {
		a.notify(ctx, sessionID, stage, units[i], result, onUnit)
	})

	out := a.Assemble(sessionID, stage, menu, decision, units, results)
	out.Duration = time.Since(start)
	return out
}

// notify reports a unit to onUnit if its result is accepted
func (a *Aggregator) notify(ctx context.Context, sessionID string, stage models.Stage, unit models.Unit, result models.UnitResult, onUnit CompletionFunc) {
	if onUnit == nil {
		return
	}
	items, err := a.accept(stage, unit, result)
	if err != nil {
		return
	}
	onUnit(ctx, UnitCompletion{
		SessionID: sessionID,
		Stage:     stage,
		Unit:      unit,
		Items:     items,
		Provider:  result.Provider,
		Latency:   result.Latency,
	})
}

type unitOutcome struct {
	unit   models.Unit
	result models.UnitResult
}

// Assemble recombines unit results in menu order. units and results are parallel slices.
// A failed or invalid unit falls back for its own items only, and a chunk no unit covered
// falls back in its own place. Empty categories pass through.
func (a *Aggregator) Assemble(sessionID string, stage models.Stage, menu models.Menu, decision Decision, units []models.Unit, results []models.UnitResult) BatchResult {
	byPosition := make(map[int]map[int]unitOutcome)
	for i, unit := range units {
		var result models.UnitResult
		if i < len(results) {
			result = results[i]
		} else {
			result = models.Failed(unit.ID, errors.New("no result"))
		}
		chunks, ok := byPosition[unit.Position]
		if !ok {
			chunks = make(map[int]unitOutcome)
			byPosition[unit.Position] = chunks
		}
		if _, dup := chunks[unit.ChunkIndex]; !dup {
			chunks[unit.ChunkIndex] = unitOutcome{unit: unit, result: result}
		}
	}

	out := BatchResult{
		SessionID:   sessionID,
		Stage:       stage,
		Decision:    decision,
		Menu:        models.Menu{Categories: make([]models.Category, len(menu.Categories))},
		Units:       len(units),
		ItemLatency: make(map[int]time.Duration),
	}

	for pos, category := range menu.Categories {
		if len(category.Items) == 0 {
			out.Menu.Categories[pos] = models.Category{Name: category.Name, Items: []models.MenuItem{}}
			continue
		}

		items := make([]models.MenuItem, 0, len(category.Items))
		for _, slot := range expectedChunks(category, decision) {
			o, ok := byPosition[pos][slot.ChunkIndex]
			if !ok {
				items = append(items, Fallback(stage, slot.Items)...)
				out.Failures = append(out.Failures, slot.failure("no unit covered these items"))
				a.logger.Warn().
					Str("session_id", sessionID).
					Str("stage", string(stage)).
					Str("category", category.Name).
					Int("chunk_index", slot.ChunkIndex).
					Int("items", len(slot.Items)).
					Msg("Chunk missing, using fallback")
				continue
			}

			produced, err := a.accept(stage, o.unit, o.result)
			if err != nil {
				produced = Fallback(stage, o.unit.Items)
				out.Failures = append(out.Failures, models.UnitFailure{
					Category:   o.unit.Category,
					Kind:       o.unit.Kind,
					ChunkIndex: o.unit.ChunkIndex,
					ChunkCount: o.unit.ChunkCount,
					ItemCount:  len(o.unit.Items),
					Error:      err.Error(),
				})
				a.logger.Warn().
					Str("session_id", sessionID).
					Str("stage", string(stage)).
					Str("category", o.unit.Category).
					Int("chunk_index", o.unit.ChunkIndex).
					Int("items", len(o.unit.Items)).
					Err(err).
					Msg("Unit failed, using fallback")
			}
			for _, item := range produced {
				out.ItemLatency[item.Index] = o.result.Latency
			}
			items = append(items, produced...)
		}

		out.Menu.Categories[pos] = models.Category{Name: category.Name, Items: items}
	}

	out.Success = len(out.Failures) == 0
	return out
}

// chunkSlot is the share of a category one unit is expected to cover
type chunkSlot struct {
	Category   string
	Kind       models.UnitKind
	ChunkIndex int
	ChunkCount int
	Items      []models.MenuItem
}

func (c chunkSlot) failure(reason string) models.UnitFailure {
	return models.UnitFailure{
		Category:   c.Category,
		Kind:       c.Kind,
		ChunkIndex: c.ChunkIndex,
		ChunkCount: c.ChunkCount,
		ItemCount:  len(c.Items),
		Error:      reason,
	}
}

// expectedChunks splits a category the way BuildUnits does for the decision
func expectedChunks(category models.Category, decision Decision) []chunkSlot {
	n := len(category.Items)
	if decision.Granularity != models.UnitKindChunk || decision.ChunkSize <= 0 {
		return []chunkSlot{{
			Category:   category.Name,
			Kind:       models.UnitKindCategory,
			ChunkCount: 1,
			Items:      category.Items,
		}}
	}

	count := (n + decision.ChunkSize - 1) / decision.ChunkSize
	slots := make([]chunkSlot, count)
	for idx := range slots {
		start := idx * decision.ChunkSize
		slots[idx] = chunkSlot{
			Category:   category.Name,
			Kind:       models.UnitKindChunk,
			ChunkIndex: idx,
			ChunkCount: count,
			Items:      category.Items[start:min(start+decision.ChunkSize, n)],
		}
	}
	return slots
}

// accept validates a unit result and merges the stage's fields into the unit's own items
func (a *Aggregator) accept(stage models.Stage, unit models.Unit, result models.UnitResult) ([]models.MenuItem, error) {
	if !result.Success {
		if result.Err == nil {
			return nil, errors.New("unit failed without error")
		}
		return nil, result.Err
	}
	if len(result.Items) != len(unit.Items) {
		return nil, fmt.Errorf("%w: expected %d items, got %d", interfaces.ErrInvalidUnitResult, len(unit.Items), len(result.Items))
	}
	if err := a.validate.Struct(result); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidUnitResult, err)
	}

	merged := make([]models.MenuItem, len(unit.Items))
	for i, in := range unit.Items {
		got := result.Items[i]
		item := in
		switch stage {
		case models.StageTranslation:
			if got.TranslatedName == "" {
				return nil, fmt.Errorf("%w: item %d has no translation", interfaces.ErrInvalidUnitResult, in.Index)
			}
			item.TranslatedName = got.TranslatedName
		case models.StageDescription:
			if got.Description == "" {
				return nil, fmt.Errorf("%w: item %d has no description", interfaces.ErrInvalidUnitResult, in.Index)
			}
			item.Description = got.Description
		case models.StageImage:
			if got.ImageURL == "" {
				return nil, fmt.Errorf("%w: item %d has no image", interfaces.ErrInvalidUnitResult, in.Index)
			}
			item.ImageURL = got.ImageURL
			item.ImagePrompt = got.ImagePrompt
		}
		item.Provider = result.Provider
		if got.Provider != "" {
			item.Provider = got.Provider
		}
		item.Fallback = false
		merged[i] = item
	}
	return merged, nil
}
