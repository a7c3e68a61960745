package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/menulens/internal/models"
)

// buildMenu creates a menu with one category per size; item indexes run across categories
func buildMenu(sizes ...int) models.Menu {
	var menu models.Menu
	index := 0
	for c, size := range sizes {
		name := fmt.Sprintf("Category %d", c)
		category := models.Category{Name: name, Items: []models.MenuItem{}}
		for i := 0; i < size; i++ {
			category.Items = append(category.Items, models.MenuItem{
				Index:    index,
				Name:     fmt.Sprintf("dish %d", index),
				Price:    fmt.Sprintf("%d.00", index+1),
				Category: name,
			})
			index++
		}
		menu.Categories = append(menu.Categories, category)
	}
	return menu
}

func zeroThresholds(c *PolicyConfig) {
	c.CategoryThreshold = 0
	c.ItemThreshold = 0
}

func TestDecide(t *testing.T) {
	base := PolicyConfig{Enabled: true, CategoryThreshold: 2, ItemThreshold: 10, ChunkSize: 3}

	tests := []struct {
		name     string
		menu     models.Menu
		mutate   func(*PolicyConfig)
		parallel bool
		kind     models.UnitKind
	}{
		{
			name:     "category threshold met",
			menu:     buildMenu(2, 3, 5),
			parallel: true,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "item threshold met with one category",
			menu:     buildMenu(12),
			parallel: true,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "below both thresholds",
			menu:     buildMenu(4),
			parallel: false,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "empty categories do not count",
			menu:     buildMenu(3, 0, 0),
			parallel: false,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "disabled flag forces sequential",
			menu:     buildMenu(2, 3, 5),
			mutate:   func(c *PolicyConfig) { c.Enabled = false },
			parallel: false,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "chunk granularity",
			menu:     buildMenu(12),
			mutate:   func(c *PolicyConfig) { c.ChunkLevel = true },
			parallel: true,
			kind:     models.UnitKindChunk,
		},
		{
			name:     "zero thresholds never trigger",
			menu:     buildMenu(2, 3, 5),
			mutate:   zeroThresholds,
			parallel: false,
			kind:     models.UnitKindCategory,
		},
		{
			name:     "empty menu",
			menu:     models.Menu{},
			parallel: false,
			kind:     models.UnitKindCategory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			decision := Decide(tt.menu, cfg)
			assert.Equal(t, tt.parallel, decision.Parallel)
			assert.Equal(t, tt.kind, decision.Granularity)
			if tt.kind == models.UnitKindChunk {
				assert.Equal(t, 3, decision.ChunkSize)
			}
		})
	}
}

func TestDecide_IsDeterministic(t *testing.T) {
	menu := buildMenu(1, 1, 8)
	cfg := PolicyConfig{Enabled: true, CategoryThreshold: 4, ItemThreshold: 10}

	first := Decide(menu, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Decide(menu, cfg))
	}
	assert.True(t, first.Parallel)
}
