package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/validation"
)

// FileHandler streams produced artifacts from the storage root. Every
// request path is confined to the root before anything is opened.
type FileHandler struct {
	root   string
	logger arbor.ILogger
}

func NewFileHandler(root string, logger arbor.ILogger) *FileHandler {
	return &FileHandler{root: root, logger: logger}
}

// ServeHandler handles GET /files/{relative}.
func (h *FileHandler) ServeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, "/files/")
	abs, err := validation.ResolveServedPath(h.root, rel)
	if err != nil {
		h.logger.Warn().Err(err).Str("path", rel).Msg("File request rejected")
		WriteTypedError(w, err)
		return
	}

	// Artifacts are deleted on a retention schedule, so intermediaries must
	// never cache them.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")

	http.ServeFile(w, r, abs)
}
