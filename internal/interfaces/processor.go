package interfaces

import (
	"context"

	"github.com/ternarybob/menulens/internal/models"
)

// UnitProcessor processes one unit for one stage. Implementations return a failed result
// instead of a partial one: either every item of the unit is produced or none is.
type UnitProcessor interface {
	Translate(ctx context.Context, unit models.Unit) models.UnitResult
	Describe(ctx context.Context, unit models.Unit) models.UnitResult
	Illustrate(ctx context.Context, unit models.Unit) models.UnitResult
}

// MenuReader covers the two single-unit stages that precede the orchestrated ones
type MenuReader interface {
	// ExtractItems reads menu lines from a photographed menu
	ExtractItems(ctx context.Context, image []byte, mimeType string) ([]models.MenuItem, error)

	// Categorize assigns a category to every item, preserving order and count
	Categorize(ctx context.Context, items []models.MenuItem) ([]models.MenuItem, error)
}

// StageProcessor is a UnitProcessor that also reads menus
type StageProcessor interface {
	UnitProcessor
	MenuReader
}
