package models

// Progress is the derived progress snapshot of a session
type Progress struct {
	SessionID            string  `json:"session_id"`
	TotalItems           int     `json:"total_items"`
	TranslationCompleted int     `json:"translation_completed"`
	DescriptionCompleted int     `json:"description_completed"`
	ImageCompleted       int     `json:"image_completed"`
	FullyCompleted       int     `json:"fully_completed"`
	ProgressPercentage   float64 `json:"progress_percentage"`
	Status               string  `json:"status,omitempty"`
	Source               string  `json:"source,omitempty"` // "ephemeral" or "durable"
}

// ItemStages maps item index to the set of stages completed for that item
type ItemStages map[int]map[Stage]bool

// Mark records a stage as completed for an item
func (s ItemStages) Mark(itemIndex int, stage Stage) {
	stages, ok := s[itemIndex]
	if !ok {
		stages = make(map[Stage]bool, len(TrackedStages))
		s[itemIndex] = stages
	}
	stages[stage] = true
}

// ComputeProgress derives a snapshot from per-item stage completion.
// The percentage is fully completed / total * 100, 0 when total is 0, capped at 100.
func ComputeProgress(sessionID string, totalItems int, completed ItemStages) Progress {
	p := Progress{SessionID: sessionID, TotalItems: totalItems}
	for _, stages := range completed {
		if stages[StageTranslation] {
			p.TranslationCompleted++
		}
		if stages[StageDescription] {
			p.DescriptionCompleted++
		}
		if stages[StageImage] {
			p.ImageCompleted++
		}
		if stages[StageTranslation] && stages[StageDescription] && stages[StageImage] {
			p.FullyCompleted++
		}
	}
	if totalItems > 0 {
		p.ProgressPercentage = float64(p.FullyCompleted) / float64(totalItems) * 100
		if p.ProgressPercentage > 100 {
			p.ProgressPercentage = 100
		}
	}
	return p
}
