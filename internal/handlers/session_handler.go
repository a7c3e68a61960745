package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/interfaces"
	"github.com/ternarybob/menulens/internal/models"
)

// ProgressReader returns a progress snapshot from whichever store knows the session
type ProgressReader interface {
	GetProgress(ctx context.Context, sessionID string) (*models.Progress, error)
}

// SessionReader reads durable sessions
type SessionReader interface {
	GetSessionDetail(ctx context.Context, sessionID string) (*models.SessionDetail, error)
}

// SessionHandler serves session state and progress
type SessionHandler struct {
	progress ProgressReader
	sessions SessionReader
	logger   arbor.ILogger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(progress ProgressReader, sessions SessionReader, logger arbor.ILogger) *SessionHandler {
	return &SessionHandler{
		progress: progress,
		sessions: sessions,
		logger:   logger,
	}
}

// GetProgressHandler handles GET /api/sessions/{id}/progress
func (h *SessionHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	sessionID := sessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "session id is required")
		return
	}

	progress, err := h.progress.GetProgress(r.Context(), sessionID)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read progress")
		WriteError(w, http.StatusInternalServerError, "failed to read progress")
		return
	}

	WriteJSON(w, http.StatusOK, progress)
}

// GetSessionHandler handles GET /api/sessions/{id}
func (h *SessionHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	sessionID := sessionIDFromPath(r.URL.Path)
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "session id is required")
		return
	}

	detail, err := h.sessions.GetSessionDetail(r.Context(), sessionID)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to read session")
		WriteError(w, http.StatusInternalServerError, "failed to read session")
		return
	}

	WriteJSON(w, http.StatusOK, detail)
}

// sessionIDFromPath extracts {id} from /api/sessions/{id} and /api/sessions/{id}/progress
func sessionIDFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/sessions/")
	if rest == path {
		return ""
	}
	rest = strings.TrimSuffix(rest, "/progress")
	if strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
