package models

import "fmt"

// Stage identifies one step of the menu pipeline
type Stage string

const (
	StageOCR         Stage = "ocr"
	StageCategorize  Stage = "categorize"
	StageTranslation Stage = "translation"
	StageDescription Stage = "description"
	StageImage       Stage = "image"
)

// TrackedStages are the per-item stages recorded by the progress tracker, in pipeline order
var TrackedStages = []Stage{StageTranslation, StageDescription, StageImage}

// IsTracked reports whether per-item completion is recorded for the stage
func (s Stage) IsTracked() bool {
	switch s {
	case StageTranslation, StageDescription, StageImage:
		return true
	}
	return false
}

// ParseStage converts a string into a tracked Stage
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.IsTracked() {
		return "", fmt.Errorf("unknown stage: %q", s)
	}
	return stage, nil
}

// ItemStatus is the per-item per-stage status
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
)
