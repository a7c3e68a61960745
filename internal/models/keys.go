package models

import (
	"fmt"
	"strconv"
	"strings"
)

// SyncedMarkerPrefix prefixes the reconciled marker written for each stage key
const SyncedMarkerPrefix = "synced:"

// StageKey identifies one ephemeral stage result
type StageKey struct {
	SessionID string
	ItemIndex int
	Stage     Stage
}

// String formats the key as {session_id}:item{item_index}:{stage}
func (k StageKey) String() string {
	return fmt.Sprintf("%s:item%d:%s", k.SessionID, k.ItemIndex, k.Stage)
}

// MarkerKey returns the reconciled marker key for the stage key
func (k StageKey) MarkerKey() string {
	return SyncedMarkerPrefix + k.String()
}

// SessionItemPrefix returns the scan prefix covering every stage key of a session
func SessionItemPrefix(sessionID string) string {
	return sessionID + ":item"
}

// ParseStageKey parses {session_id}:item{item_index}:{stage}. Marker keys and
// foreign keys sharing the store are rejected.
func ParseStageKey(key string) (StageKey, bool) {
	if strings.HasPrefix(key, SyncedMarkerPrefix) {
		return StageKey{}, false
	}

	stageSep := strings.LastIndex(key, ":")
	if stageSep <= 0 {
		return StageKey{}, false
	}
	stage := Stage(key[stageSep+1:])
	if !stage.IsTracked() {
		return StageKey{}, false
	}

	rest := key[:stageSep]
	itemSep := strings.LastIndex(rest, ":item")
	if itemSep <= 0 {
		return StageKey{}, false
	}
	index, err := strconv.Atoi(rest[itemSep+len(":item"):])
	if err != nil || index < 0 {
		return StageKey{}, false
	}

	return StageKey{SessionID: rest[:itemSep], ItemIndex: index, Stage: stage}, true
}
