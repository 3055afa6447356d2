package handlers

import (
	"context"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
)

// BrowserExtractor pulls a cookie jar out of a local browser profile. The
// extraction tool itself is an external collaborator; when none is wired the
// from_browser upload mode is rejected.
type BrowserExtractor interface {
	ExtractCookies(ctx context.Context, browser string) ([]byte, error)
}

// CookieHandler serves credential vault CRUD.
type CookieHandler struct {
	vault     interfaces.CredentialVault
	extractor BrowserExtractor
	logger    arbor.ILogger
}

func NewCookieHandler(vault interfaces.CredentialVault, extractor BrowserExtractor, logger arbor.ILogger) *CookieHandler {
	return &CookieHandler{vault: vault, extractor: extractor, logger: logger}
}

// UploadHandler handles POST /api/v1/cookies. The body carries either a raw
// Netscape jar in content or a from_browser extraction request.
func (h *CookieHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CookieUploadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	var blob []byte
	switch {
	case req.Content != "":
		blob = []byte(req.Content)
	case req.FromBrowser != "":
		if h.extractor == nil {
			WriteError(w, http.StatusBadRequest, models.ErrValidation,
				"browser extraction is not available on this server")
			return
		}
		extracted, err := h.extractor.ExtractCookies(r.Context(), req.FromBrowser)
		if err != nil {
			WriteTypedError(w, err)
			return
		}
		blob = extracted
	default:
		WriteError(w, http.StatusBadRequest, models.ErrValidation,
			"either content or from_browser is required")
		return
	}

	id, err := h.vault.Put(blob, req.Name, req.FromBrowser)
	if err != nil {
		WriteTypedError(w, err)
		return
	}

	h.logger.Info().Str("cookie_id", id).Str("name", req.Name).Msg("Credential record stored")

	meta, _ := h.vault.Metadata(id)
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"cookie_id": id,
		"metadata":  meta,
	})
}

// ListHandler handles GET /api/v1/cookies.
func (h *CookieHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	records, err := h.vault.List()
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"cookies": records,
		"total":   len(records),
	})
}

// GetHandler handles GET /api/v1/cookies/{id}. Metadata only, never the blob.
func (h *CookieHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	meta, err := h.vault.Metadata(id)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, meta)
}

// DeleteHandler handles DELETE /api/v1/cookies/{id}.
func (h *CookieHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if err := h.vault.Delete(id); err != nil {
		WriteTypedError(w, err)
		return
	}
	h.logger.Info().Str("cookie_id", id).Msg("Credential record deleted")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"cookie_id": id,
	})
}
