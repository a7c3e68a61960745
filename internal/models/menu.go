package models

// MenuItem is one dish as it flows through the pipeline. Each stage fills in its own field.
type MenuItem struct {
	Index          int    `json:"index"`
	Name           string `json:"name" validate:"required"`
	Price          string `json:"price,omitempty"`
	Category       string `json:"category,omitempty"`
	TranslatedName string `json:"translated_name,omitempty"`
	Description    string `json:"description,omitempty"`
	ImageURL       string `json:"image_url,omitempty"`
	ImagePrompt    string `json:"image_prompt,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
}

// Category is an ordered group of items sharing a category name
type Category struct {
	Name  string     `json:"name"`
	Items []MenuItem `json:"items"`
}

// Menu is a categorized menu. Category order is significant and preserved by every stage.
type Menu struct {
	Categories []Category `json:"categories"`
}

// TotalItems returns the number of items across all categories
func (m Menu) TotalItems() int {
	total := 0
	for _, c := range m.Categories {
		total += len(c.Items)
	}
	return total
}

// NonEmptyCategories returns the number of categories that hold at least one item
func (m Menu) NonEmptyCategories() int {
	count := 0
	for _, c := range m.Categories {
		if len(c.Items) > 0 {
			count++
		}
	}
	return count
}

// Items flattens the menu in category order
func (m Menu) Items() []MenuItem {
	items := make([]MenuItem, 0, m.TotalItems())
	for _, c := range m.Categories {
		items = append(items, c.Items...)
	}
	return items
}

// Clone returns a deep copy so stages never share item slices
func (m Menu) Clone() Menu {
	out := Menu{Categories: make([]Category, len(m.Categories))}
	for i, c := range m.Categories {
		items := make([]MenuItem, len(c.Items))
		copy(items, c.Items)
		out.Categories[i] = Category{Name: c.Name, Items: items}
	}
	return out
}

// GroupByCategory builds a Menu from a flat item list, keeping first-seen category order.
// Items without a category are grouped under defaultCategory.
func GroupByCategory(items []MenuItem, defaultCategory string) Menu {
	var menu Menu
	positions := make(map[string]int)
	for _, item := range items {
		name := item.Category
		if name == "" {
			name = defaultCategory
			item.Category = name
		}
		pos, ok := positions[name]
		if !ok {
			pos = len(menu.Categories)
			positions[name] = pos
			menu.Categories = append(menu.Categories, Category{Name: name})
		}
		menu.Categories[pos].Items = append(menu.Categories[pos].Items, item)
	}
	return menu
}

// FinalMenu is the pipeline output for one session
type FinalMenu struct {
	SessionID string `json:"session_id"`
	Menu      Menu   `json:"menu"`
	Degraded  bool   `json:"degraded"`
}
