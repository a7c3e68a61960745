package models

import "time"

// StageResult is the JSON payload stored under one ephemeral stage key.
// Item is the snapshot of the item after the stage ran.
type StageResult struct {
	SessionID   string                 `json:"session_id"`
	ItemIndex   int                    `json:"item_index"`
	Stage       Stage                  `json:"stage"`
	Status      ItemStatus             `json:"status"`
	Item        MenuItem               `json:"item"`
	Provider    string                 `json:"provider"`
	LatencyMS   int64                  `json:"latency_ms"`
	Fallback    bool                   `json:"fallback"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Record converts the stage result into its audit entry
func (r StageResult) Record() ProcessingRecord {
	return ProcessingRecord{
		SessionID: r.SessionID,
		ItemIndex: r.ItemIndex,
		Stage:     r.Stage,
		Provider:  r.Provider,
		LatencyMS: r.LatencyMS,
		Fallback:  r.Fallback,
		Metadata:  r.Metadata,
		CreatedAt: r.CompletedAt,
	}
}

// Image returns the generated image carried by an image stage result, if any
func (r StageResult) Image() (GeneratedImage, bool) {
	if r.Stage != StageImage || r.Status != ItemStatusCompleted {
		return GeneratedImage{}, false
	}
	return GeneratedImage{
		SessionID: r.SessionID,
		ItemIndex: r.ItemIndex,
		URL:       r.Item.ImageURL,
		Prompt:    r.Item.ImagePrompt,
		Provider:  r.Provider,
		Fallback:  r.Fallback,
		CreatedAt: r.CompletedAt,
	}, true
}
