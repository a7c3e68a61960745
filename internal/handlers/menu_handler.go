package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/menulens/internal/services/menu"
)

// MenuSubmitter starts the pipeline for one menu
type MenuSubmitter interface {
	Submit(ctx context.Context, req *menu.Request) (string, error)
}

// MenuHandler accepts menu uploads
type MenuHandler struct {
	menus          MenuSubmitter
	maxUploadBytes int64
	logger         arbor.ILogger
}

// NewMenuHandler creates a new MenuHandler
func NewMenuHandler(menus MenuSubmitter, maxUploadBytes int64, logger arbor.ILogger) *MenuHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 * 1024 * 1024
	}
	return &MenuHandler{
		menus:          menus,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

type createMenuRequest struct {
	Lines []string `json:"lines"`
}

// CreateMenuHandler handles POST /api/menus.
// Accepts a multipart upload with an "image" file, or JSON {"lines": [...]} of already
// extracted menu lines. Responds 202 with the session id; processing continues in the background.
func (h *MenuHandler) CreateMenuHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	req, err := h.parseRequest(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID, err := h.menus.Submit(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Menu submission rejected")
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info().Str("session_id", sessionID).Msg("Menu accepted")
	WriteAccepted(w, map[string]string{"session_id": sessionID})
}

func (h *MenuHandler) parseRequest(w http.ResponseWriter, r *http.Request) (*menu.Request, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			return nil, err
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image file: %w", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, err
		}
		mimeType := header.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
		if !strings.HasPrefix(mimeType, "image/") {
			return nil, fmt.Errorf("unsupported image type: %s", mimeType)
		}
		return &menu.Request{Image: data, ImageMIMEType: mimeType}, nil
	}

	var body createMenuRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return &menu.Request{Lines: body.Lines}, nil
}
