package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/capto/internal/handlers"
	"github.com/ternarybob/capto/internal/models"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket event feed
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Downloads
	mux.HandleFunc("/api/v1/download", s.handleDownloadCollection)
	mux.HandleFunc("/api/v1/download/", s.handleDownloadRoutes)

	// Metadata-only extraction
	mux.HandleFunc("/api/v1/metadata", s.app.MediaHandler.MetadataHandler)
	mux.HandleFunc("/api/v1/formats", s.app.MediaHandler.FormatsHandler)

	// Playlists and channels
	mux.HandleFunc("/api/v1/playlist/preview", s.app.MediaHandler.PlaylistPreviewHandler)
	mux.HandleFunc("/api/v1/playlist/download", s.requirePost(s.app.DownloadHandler.PlaylistHandler))
	mux.HandleFunc("/api/v1/channel/info", s.app.MediaHandler.ChannelInfoHandler)
	mux.HandleFunc("/api/v1/channel/download", s.requirePost(s.app.DownloadHandler.ChannelHandler))

	// Batches
	mux.HandleFunc("/api/v1/batch/download", s.requirePost(s.app.BatchHandler.CreateHandler))
	mux.HandleFunc("/api/v1/batch", s.app.BatchHandler.ListHandler)
	mux.HandleFunc("/api/v1/batch/", s.handleBatchRoutes)

	// Credential vault
	mux.HandleFunc("/api/v1/cookies", s.handleCookieCollection)
	mux.HandleFunc("/api/v1/cookies/", s.handleCookieRoutes)

	// System
	mux.HandleFunc("/api/v1/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/v1/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/v1/stats", s.app.APIHandler.StatsHandler)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// Artifact serving
	mux.HandleFunc("/files/", s.app.FileHandler.ServeHandler)

	// 404 for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

func (s *Server) handleDownloadCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.DownloadHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.DownloadHandler.CreateHandler(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

// handleDownloadRoutes serves /api/v1/download/{id} and its subpaths.
func (s *Server) handleDownloadRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/logs") {
		s.app.DownloadHandler.LogsHandler(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.app.DownloadHandler.GetHandler(w, r)
	case http.MethodDelete:
		s.app.DownloadHandler.CancelHandler(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.BatchHandler.GetHandler(w, r)
	case http.MethodDelete:
		s.app.BatchHandler.CancelHandler(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) handleCookieCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.CookieHandler.ListHandler(w, r)
	case http.MethodPost:
		s.app.CookieHandler.UploadHandler(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) handleCookieRoutes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.CookieHandler.GetHandler(w, r)
	case http.MethodDelete:
		s.app.CookieHandler.DeleteHandler(w, r)
	default:
		s.methodNotAllowed(w, r)
	}
}

func (s *Server) requirePost(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, r)
			return
		}
		h(w, r)
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusMethodNotAllowed, models.ErrValidation,
		"method "+r.Method+" not allowed")
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, models.ErrNotFound, "unknown API route")
}
