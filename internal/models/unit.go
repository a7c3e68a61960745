package models

import (
	"encoding/json"
	"time"
)

// UnitKind is the dispatch granularity of a unit
type UnitKind string

const (
	UnitKindCategory UnitKind = "category"
	UnitKindChunk    UnitKind = "chunk"
)

// Unit is one independently processable slice of a stage batch.
// Chunks are transient: they exist only between dispatch and aggregation.
type Unit struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Stage      Stage      `json:"stage"`
	Kind       UnitKind   `json:"kind"`
	Category   string     `json:"category"`
	Position   int        `json:"position"` // Index of the category in the menu
	Items      []MenuItem `json:"items"`
	ChunkIndex int        `json:"chunk_index"`
	ChunkCount int        `json:"chunk_count"`
}

// UnitPayload is the body carried on the work queue for one unit.
// Category units leave ChunkIndex at 0 and ChunkCount at 1.
type UnitPayload struct {
	Category   string     `json:"category"`
	Position   int        `json:"position"`
	Items      []MenuItem `json:"items"`
	ChunkIndex int        `json:"chunk_index"`
	ChunkCount int        `json:"chunk_count"`
}

// UnitMessage is the structure stored in the work queue.
// Keep it simple - just enough to route the unit to a processor.
type UnitMessage struct {
	UnitID    string          `json:"unit_id"`
	SessionID string          `json:"session_id"`
	Stage     Stage           `json:"stage"`
	Kind      UnitKind        `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// NewUnitMessage encodes a unit for the work queue
func NewUnitMessage(unit Unit) (UnitMessage, error) {
	payload, err := json.Marshal(UnitPayload{
		Category:   unit.Category,
		Position:   unit.Position,
		Items:      unit.Items,
		ChunkIndex: unit.ChunkIndex,
		ChunkCount: unit.ChunkCount,
	})
	if err != nil {
		return UnitMessage{}, err
	}
	return UnitMessage{
		UnitID:    unit.ID,
		SessionID: unit.SessionID,
		Stage:     unit.Stage,
		Kind:      unit.Kind,
		Payload:   payload,
	}, nil
}

// Unit decodes the message back into a unit
func (m UnitMessage) Unit() (Unit, error) {
	var payload UnitPayload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return Unit{}, err
	}
	return Unit{
		ID:         m.UnitID,
		SessionID:  m.SessionID,
		Stage:      m.Stage,
		Kind:       m.Kind,
		Category:   payload.Category,
		Position:   payload.Position,
		Items:      payload.Items,
		ChunkIndex: payload.ChunkIndex,
		ChunkCount: payload.ChunkCount,
	}, nil
}

// UnitResult is the typed outcome of processing one unit. A unit never partially succeeds:
// either Success is true and Items holds one entry per input item, or Err is set.
type UnitResult struct {
	UnitID   string        `json:"unit_id"`
	Success  bool          `json:"success"`
	Items    []MenuItem    `json:"items,omitempty" validate:"omitempty,dive"`
	Provider string        `json:"provider,omitempty"`
	Latency  time.Duration `json:"latency"`
	Err      error         `json:"-"`
}

// Succeeded builds a successful result
func Succeeded(unitID, provider string, items []MenuItem, latency time.Duration) UnitResult {
	return UnitResult{UnitID: unitID, Success: true, Items: items, Provider: provider, Latency: latency}
}

// Failed builds a failed result
func Failed(unitID string, err error) UnitResult {
	return UnitResult{UnitID: unitID, Success: false, Err: err}
}

// UnitFailure describes a failed or timed-out unit in a batch result
type UnitFailure struct {
	Category   string   `json:"category"`
	Kind       UnitKind `json:"kind"`
	ChunkIndex int      `json:"chunk_index"`
	ChunkCount int      `json:"chunk_count"`
	ItemCount  int      `json:"item_count"`
	Error      string   `json:"error"`
}
