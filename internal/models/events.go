package models

import "time"

// StageEvent is the payload of a per-item stage progress event
type StageEvent struct {
	SessionID string     `json:"session_id"`
	ItemIndex int        `json:"item_index"`
	Stage     Stage      `json:"stage"`
	Status    ItemStatus `json:"status"`
	Fallback  bool       `json:"fallback"`
	Progress  *Progress  `json:"progress,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// BatchEvent summarizes one aggregated stage batch
type BatchEvent struct {
	SessionID   string   `json:"session_id"`
	Stage       Stage    `json:"stage"`
	Outcome     string   `json:"outcome"`
	Parallel    bool     `json:"parallel"`
	Granularity UnitKind `json:"granularity"`
	Units       int      `json:"units"`
	Failures    int      `json:"failures"`
	DurationMS  int64    `json:"duration_ms"`
}

// SessionEvent reports a terminal session status
type SessionEvent struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}
