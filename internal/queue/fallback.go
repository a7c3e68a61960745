package queue

import "github.com/ternarybob/menulens/internal/models"

const (
	// FallbackProvider identifies placeholder output in items and processing records
	FallbackProvider = "fallback"

	// FallbackDescription is the marker text used when no description could be generated
	FallbackDescription = "Description unavailable"
)

// Fallback produces one placeholder per item for a failed unit of the given stage.
// Known fields are carried forward and the stage's own field is filled with a placeholder.
// The output depends only on the stage and the items, never on why the unit failed.
func Fallback(stage models.Stage, items []models.MenuItem) []models.MenuItem {
	out := make([]models.MenuItem, len(items))
	for i, item := range items {
		switch stage {
		case models.StageTranslation:
			item.TranslatedName = item.Name
		case models.StageDescription:
			item.Description = FallbackDescription
		case models.StageImage:
			item.ImageURL = ""
			item.ImagePrompt = ""
		}
		item.Provider = FallbackProvider
		item.Fallback = true
		out[i] = item
	}
	return out
}
