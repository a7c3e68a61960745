package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Generated dish images
	images := s.app.Storage.ImageStore()
	mux.Handle(images.URLPrefix(), http.StripPrefix(images.URLPrefix(), http.FileServer(http.Dir(images.Dir()))))

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Menus
	mux.HandleFunc("/api/menus", s.app.MenuHandler.CreateMenuHandler) // POST - upload a menu

	// API routes - Sessions
	mux.HandleFunc("/api/sessions/", s.handleSessionRoutes) // GET /{id}, GET /{id}/progress

	// API routes - System
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleSessionRoutes routes /api/sessions/{id} requests
func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/progress") {
		RouteByMethod(w, r, MethodRouter{
			"GET": s.app.SessionHandler.GetProgressHandler,
		})
		return
	}

	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.SessionHandler.GetSessionHandler,
	})
}
