package common

import (
	"github.com/google/uuid"
)

// NewSessionID generates a unique pipeline session ID
// Format: sess_<uuid>
func NewSessionID() string {
	return "sess_" + uuid.New().String()
}

// NewUnitID generates a unique work unit ID
// Format: unit_<uuid>
func NewUnitID() string {
	return "unit_" + uuid.New().String()
}
