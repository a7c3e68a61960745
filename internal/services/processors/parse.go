package processors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// indexedValue is one entry of a per-item model response
type indexedValue struct {
	Index          int    `json:"index"`
	Category       string `json:"category,omitempty"`
	TranslatedName string `json:"translated_name,omitempty"`
	Description    string `json:"description,omitempty"`
}

type indexedResponse struct {
	Items []indexedValue `json:"items"`
}

type ocrItem struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

type ocrResponse struct {
	Items []ocrItem `json:"items"`
}

// decodeJSON strips markdown fences and surrounding prose, then decodes the first JSON object
func decodeJSON(response string, v interface{}) error {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in model response")
	}

	if err := json.Unmarshal([]byte(response[start:end+1]), v); err != nil {
		return fmt.Errorf("invalid JSON in model response: %w", err)
	}
	return nil
}

// orderValues checks that values cover positions 0..count-1 exactly once with a non-empty
// field, and returns them in position order
func orderValues(values []indexedValue, count int, field func(indexedValue) string) ([]string, error) {
	if len(values) != count {
		return nil, fmt.Errorf("model returned %d items, expected %d", len(values), count)
	}

	ordered := make([]string, count)
	seen := make([]bool, count)
	for _, v := range values {
		if v.Index < 0 || v.Index >= count {
			return nil, fmt.Errorf("model returned out of range index %d", v.Index)
		}
		if seen[v.Index] {
			return nil, fmt.Errorf("model returned index %d twice", v.Index)
		}
		value := strings.TrimSpace(field(v))
		if value == "" {
			return nil, fmt.Errorf("model returned an empty value for index %d", v.Index)
		}
		seen[v.Index] = true
		ordered[v.Index] = value
	}
	return ordered, nil
}
