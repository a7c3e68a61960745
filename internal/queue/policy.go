package queue

import (
	"github.com/ternarybob/menulens/internal/common"
	"github.com/ternarybob/menulens/internal/models"
)

// PolicyConfig holds the thresholds of the parallelization policy
type PolicyConfig struct {
	Enabled           bool
	CategoryThreshold int
	ItemThreshold     int
	ChunkLevel        bool
	ChunkSize         int
}

// NewPolicyConfig converts the [pipeline] section
func NewPolicyConfig(cfg common.PipelineConfig) PolicyConfig {
	return PolicyConfig{
		Enabled:           cfg.ParallelEnabled,
		CategoryThreshold: cfg.CategoryThreshold,
		ItemThreshold:     cfg.ItemThreshold,
		ChunkLevel:        cfg.ChunkLevel,
		ChunkSize:         cfg.ChunkSize,
	}
}

// Decision is the outcome of the parallelization policy for one stage batch
type Decision struct {
	Parallel    bool            `json:"parallel"`
	Granularity models.UnitKind `json:"granularity"`
	ChunkSize   int             `json:"chunk_size"`
}

// Decide chooses sequential or parallel execution and the unit granularity.
// Parallel iff enabled and either threshold is met. Thresholds of zero or less never trigger.
func Decide(menu models.Menu, cfg PolicyConfig) Decision {
	decision := Decision{Granularity: models.UnitKindCategory}

	if cfg.ChunkLevel && cfg.ChunkSize > 0 {
		decision.Granularity = models.UnitKindChunk
		decision.ChunkSize = cfg.ChunkSize
	}

	if !cfg.Enabled {
		return decision
	}

	byCategory := cfg.CategoryThreshold > 0 && menu.NonEmptyCategories() >= cfg.CategoryThreshold
	byItems := cfg.ItemThreshold > 0 && menu.TotalItems() >= cfg.ItemThreshold
	decision.Parallel = byCategory || byItems

	return decision
}
