package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/services/download"
)

// MediaHandler serves metadata-only extraction: media info, format lists and
// playlist/channel previews. No downloads are started here.
type MediaHandler struct {
	service *download.Service
	logger  arbor.ILogger
}

func NewMediaHandler(service *download.Service, logger arbor.ILogger) *MediaHandler {
	return &MediaHandler{service: service, logger: logger}
}

// MetadataHandler handles GET /api/v1/metadata?url=.
func (h *MediaHandler) MetadataHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		WriteError(w, http.StatusBadRequest, models.ErrValidation, "url query parameter is required")
		return
	}

	info, err := h.service.Metadata(r.Context(), url)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// FormatsHandler handles GET /api/v1/formats?url=.
func (h *MediaHandler) FormatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		WriteError(w, http.StatusBadRequest, models.ErrValidation, "url query parameter is required")
		return
	}

	formats, err := h.service.Formats(r.Context(), url)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"formats": formats,
		"total":   len(formats),
	})
}

// PlaylistPreviewHandler handles GET /api/v1/playlist/preview?url=&page=&page_size=.
func (h *MediaHandler) PlaylistPreviewHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	h.listEntries(w, r, nil)
}

// ChannelInfoHandler handles GET /api/v1/channel/info with selection filters
// read from the query string.
func (h *MediaHandler) ChannelInfoHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	q := r.URL.Query()
	filters := &models.SelectionFilters{
		DateAfter:   q.Get("date_after"),
		DateBefore:  q.Get("date_before"),
		MinDuration: QueryInt(r, "min_duration", 0),
		MaxDuration: QueryInt(r, "max_duration", 0),
		MinViews:    QueryInt64(r, "min_views", 0),
		MaxViews:    QueryInt64(r, "max_views", 0),
		SortBy:      q.Get("sort_by"),
	}
	if err := validate.Struct(filters); err != nil {
		WriteError(w, http.StatusBadRequest, models.ErrValidation, err.Error())
		return
	}
	h.listEntries(w, r, filters)
}

func (h *MediaHandler) listEntries(w http.ResponseWriter, r *http.Request, filters *models.SelectionFilters) {
	url := r.URL.Query().Get("url")
	if url == "" {
		WriteError(w, http.StatusBadRequest, models.ErrValidation, "url query parameter is required")
		return
	}

	page := QueryInt(r, "page", 1)
	pageSize := QueryInt(r, "page_size", 50)

	entries, total, err := h.service.Entries(r.Context(), url, filters, page, pageSize)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries":   entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
