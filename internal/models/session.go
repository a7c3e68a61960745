package models

import "time"

// SessionStatus is the lifecycle state of a pipeline session
type SessionStatus string

const (
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// IsTerminal returns true once the session can no longer change status
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// Session is the durable record of one menu processed end to end
type Session struct {
	ID          string                 `json:"id"`
	TotalItems  int                    `json:"total_items"`
	Status      SessionStatus          `json:"status"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// SessionHeader is the ephemeral-side session record written at pipeline start.
// The reconciler reads it to learn the declared item count before the durable session exists.
type SessionHeader struct {
	SessionID  string                 `json:"session_id" badgerhold:"key"`
	TotalItems int                    `json:"total_items"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at" badgerhold:"index"`
}

// Item is the durable per-item record. (SessionID, ItemIndex) is unique.
type Item struct {
	SessionID         string     `json:"session_id"`
	ItemIndex         int        `json:"item_index"`
	SourceText        string     `json:"source_text"`
	TranslatedText    string     `json:"translated_text,omitempty"`
	Category          string     `json:"category,omitempty"`
	Description       string     `json:"description,omitempty"`
	Price             string     `json:"price,omitempty"`
	TranslationStatus ItemStatus `json:"translation_status"`
	DescriptionStatus ItemStatus `json:"description_status"`
	ImageStatus       ItemStatus `json:"image_status"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	Images []GeneratedImage `json:"images,omitempty"`
}

// StageStatus returns the item's status for a tracked stage
func (i Item) StageStatus(stage Stage) ItemStatus {
	switch stage {
	case StageTranslation:
		return i.TranslationStatus
	case StageDescription:
		return i.DescriptionStatus
	case StageImage:
		return i.ImageStatus
	}
	return ItemStatusPending
}

// FullyCompleted returns true when translation, description and image are all completed
func (i Item) FullyCompleted() bool {
	return i.TranslationStatus == ItemStatusCompleted &&
		i.DescriptionStatus == ItemStatusCompleted &&
		i.ImageStatus == ItemStatusCompleted
}

// ProcessingRecord is an append-only audit entry for one stage of one item
type ProcessingRecord struct {
	ID        int64                  `json:"id"`
	SessionID string                 `json:"session_id"`
	ItemIndex int                    `json:"item_index"`
	Stage     Stage                  `json:"stage"`
	Provider  string                 `json:"provider"`
	LatencyMS int64                  `json:"latency_ms"`
	Fallback  bool                   `json:"fallback"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// GeneratedImage is an image produced for an item
type GeneratedImage struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	ItemIndex  int       `json:"item_index"`
	URL        string    `json:"url"`
	StorageKey string    `json:"storage_key,omitempty"`
	Prompt     string    `json:"prompt,omitempty"`
	Provider   string    `json:"provider"`
	Fallback   bool      `json:"fallback"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionDetail is a durable session with its items
type SessionDetail struct {
	Session
	Items []Item `json:"items"`
}
