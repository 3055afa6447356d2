package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/metrics"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/services/download"
)

// DownloadHandler serves single-job submission, inspection and cancellation.
type DownloadHandler struct {
	service *download.Service
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

func NewDownloadHandler(service *download.Service, m *metrics.Metrics, logger arbor.ILogger) *DownloadHandler {
	return &DownloadHandler{service: service, metrics: m, logger: logger}
}

// CreateHandler handles POST /api/v1/download.
func (h *DownloadHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.SubmitSingle(req)
	if err != nil {
		h.countRejection(err)
		WriteTypedError(w, err)
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(models.KindSingle)).Inc()

	job, _ := h.service.Job(id)
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":     id,
		"state":      job.State,
		"created_at": job.CreatedAt,
	})
}

// ListHandler handles GET /api/v1/download with optional state/kind/limit
// query filters.
func (h *DownloadHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		State: models.JobState(r.URL.Query().Get("state")),
		Kind:  models.JobKind(r.URL.Query().Get("kind")),
		Batch: r.URL.Query().Get("batch"),
		Limit: QueryInt(r, "limit", 0),
	}
	jobs := h.service.Jobs(filter)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetHandler handles GET /api/v1/download/{id}.
func (h *DownloadHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	job, err := h.service.Job(id)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// LogsHandler handles GET /api/v1/download/{id}/logs.
func (h *DownloadHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(strings.TrimSuffix(r.URL.Path, "/logs"))
	logs, err := h.service.Logs(id)
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"total": len(logs),
	})
}

// CancelHandler handles DELETE /api/v1/download/{id}.
func (h *DownloadHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if err := h.service.Cancel(id); err != nil {
		WriteTypedError(w, err)
		return
	}
	h.logger.Info().Str("job_id", id).Msg("Cancellation requested via API")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "success",
		"job_id": id,
	})
}

// PlaylistHandler handles POST /api/v1/playlist/download.
func (h *DownloadHandler) PlaylistHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.SubmitPlaylist(req)
	if err != nil {
		h.countRejection(err)
		WriteTypedError(w, err)
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(models.KindPlaylist)).Inc()

	job, _ := h.service.Job(id)
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":     id,
		"state":      job.State,
		"created_at": job.CreatedAt,
	})
}

// ChannelHandler handles POST /api/v1/channel/download.
func (h *DownloadHandler) ChannelHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DownloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	id, err := h.service.SubmitChannel(req)
	if err != nil {
		h.countRejection(err)
		WriteTypedError(w, err)
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(models.KindChannel)).Inc()

	job, _ := h.service.Job(id)
	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":     id,
		"state":      job.State,
		"created_at": job.CreatedAt,
	})
}

func (h *DownloadHandler) countRejection(err error) {
	if models.CodeOf(err) == models.ErrQueueFull {
		h.metrics.QueueRejected.Inc()
	}
}

// jobIDFromPath extracts the trailing path segment.
func jobIDFromPath(path string) string {
	path = strings.TrimSuffix(path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
