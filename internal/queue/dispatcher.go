package queue

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// BuildUnits splits a menu into independent units for one stage.
// Empty categories are never dispatched. Chunks keep item order within their category.
func BuildUnits(sessionID string, stage models.Stage, menu models.Menu, decision Decision) []models.Unit {
	var units []models.Unit

	for pos, category := range menu.Categories {
		if len(category.Items) == 0 {
			continue
		}

		if decision.Granularity != models.UnitKindChunk || decision.ChunkSize <= 0 {
			units = append(units, models.Unit{
				ID:         common.NewUnitID(),
				SessionID:  sessionID,
				Stage:      stage,
				Kind:       models.UnitKindCategory,
				Category:   category.Name,
				Position:   pos,
				Items:      copyItems(category.Items),
				ChunkIndex: 0,
				ChunkCount: 1,
			})
			continue
		}

		chunkCount := (len(category.Items) + decision.ChunkSize - 1) / decision.ChunkSize
		for chunk := 0; chunk < chunkCount; chunk++ {
			start := chunk * decision.ChunkSize
			end := min(start+decision.ChunkSize, len(category.Items))
			units = append(units, models.Unit{
				ID:         common.NewUnitID(),
				SessionID:  sessionID,
				Stage:      stage,
				Kind:       models.UnitKindChunk,
				Category:   category.Name,
				Position:   pos,
				Items:      copyItems(category.Items[start:end]),
				ChunkIndex: chunk,
				ChunkCount: chunkCount,
			})
		}
	}

	return units
}

func copyItems(items []models.MenuItem) []models.MenuItem {
	out := make([]models.MenuItem, len(items))
	copy(out, items)
	return out
}

// Dispatcher submits units to the work queue and hands back one handle per unit
type Dispatcher struct {
	queue    UnitQueue
	registry *Registry
	logger   arbor.ILogger
}

// NewDispatcher creates a dispatcher over a queue and the registry shared with the worker pool
func NewDispatcher(queue UnitQueue, registry *Registry, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		logger:   logger,
	}
}

// Dispatch submits every unit in one batch and returns immediately.
// Handles are registered before submission so a fast worker can never miss one.
// On failure nothing is left queued or registered and the error wraps ErrSubmissionFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, units []models.Unit) ([]*Handle, error) {
	if len(units) == 0 {
		return nil, nil
	}

	msgs := make([]Message, 0, len(units))
	handles := make([]*Handle, 0, len(units))
	ids := make([]string, 0, len(units))

	for _, unit := range units {
		msg, err := models.NewUnitMessage(unit)
		if err != nil {
			d.abort(handles, ids, err)
			return nil, fmt.Errorf("%w: encode unit %s: %w", interfaces.ErrSubmissionFailed, unit.ID, err)
		}
		msgs = append(msgs, msg)
		handles = append(handles, d.registry.Register(ctx, unit))
		ids = append(ids, unit.ID)
	}

	if err := d.queue.EnqueueBatch(ctx, msgs); err != nil {
		d.abort(handles, ids, err)
		return nil, fmt.Errorf("%w: %w", interfaces.ErrSubmissionFailed, err)
	}

	d.logger.Debug().
		Str("session_id", units[0].SessionID).
		Str("stage", string(units[0].Stage)).
		Int("units", len(units)).
		Msg("Units dispatched")

	return handles, nil
}

func (d *Dispatcher) abort(handles []*Handle, ids []string, cause error) {
	d.registry.Remove(ids...)
	for _, h := range handles {
		h.Cancel(fmt.Errorf("%w: %w", interfaces.ErrSubmissionFailed, cause))
	}
}
