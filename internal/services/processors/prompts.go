package processors

import (
	"fmt"
	"strings"

	"github.com/ternarybob/menulens/internal/models"
	"github.com/ternarybob/menulens/internal/queue"
)

const ocrSystemPrompt = `You transcribe restaurant menus from photographs.

Read every dish on the menu in reading order. For each dish return its name exactly as printed
(original language and script) and its price as printed, or an empty string when no price is shown.
Do not include section headings, notes, opening hours or decoration as dishes.

Respond with ONLY a JSON object:
{"items": [{"name": "...", "price": "..."}]}`

const categorizeSystemPrompt = `You organise restaurant menu items into menu sections.

Assign every item a short section name such as "Starters", "Soups", "Mains", "Desserts" or
"Drinks". Reuse the same section name for items that belong together. Keep one entry per input
item, in the same order, using the item's position from the input.

Respond with ONLY a JSON object:
{"items": [{"index": 0, "category": "..."}]}`

const translateSystemPromptTemplate = `You translate restaurant menu items into %s.

Translate each dish name naturally, the way it would appear on a menu written in %s. Keep proper
names of dishes that are normally not translated, adding a short gloss in parentheses when that
helps a diner. Return one entry per input item using the item's position from the input.

Respond with ONLY a JSON object:
{"items": [{"index": 0, "translated_name": "..."}]}`

const describeSystemPromptTemplate = `You write short menu descriptions in %s.

For each dish write one or two sentences a diner can use to decide whether to order it: main
ingredients, how it is prepared and how it tastes. Do not invent prices. Return one entry per
input item using the item's position from the input.

Respond with ONLY a JSON object:
{"items": [{"index": 0, "description": "..."}]}`

// itemList renders items as numbered lines for a prompt
func itemList(items []models.MenuItem, field func(models.MenuItem) string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i, field(item))
	}
	return b.String()
}

func categorizePrompt(items []models.MenuItem) string {
	return "Menu items:\n" + itemList(items, func(item models.MenuItem) string {
		if item.Price != "" {
			return item.Name + " (" + item.Price + ")"
		}
		return item.Name
	})
}

func translatePrompt(category string, items []models.MenuItem) string {
	return fmt.Sprintf("Menu section: %s\nItems:\n%s", category, itemList(items, func(item models.MenuItem) string {
		return item.Name
	}))
}

func describePrompt(category string, items []models.MenuItem) string {
	return fmt.Sprintf("Menu section: %s\nItems:\n%s", category, itemList(items, func(item models.MenuItem) string {
		if item.TranslatedName != "" && item.TranslatedName != item.Name {
			return item.Name + " / " + item.TranslatedName
		}
		return item.Name
	}))
}

// ImagePrompt builds the illustration prompt for one dish
func ImagePrompt(category string, item models.MenuItem) string {
	name := item.TranslatedName
	if name == "" {
		name = item.Name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Appetizing food photograph of %s", name)
	if name != item.Name {
		fmt.Fprintf(&b, " (%s)", item.Name)
	}
	if category != "" {
		fmt.Fprintf(&b, ", served as %s", strings.ToLower(category))
	}
	if item.Description != "" && item.Description != queue.FallbackDescription {
		fmt.Fprintf(&b, ". %s", item.Description)
	}
	b.WriteString(". Natural light, restaurant plating, top-down angle, no text.")
	return b.String()
}
