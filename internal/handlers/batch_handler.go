package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/metrics"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/services/download"
)

// BatchHandler serves batch submission, aggregate status and cancellation.
type BatchHandler struct {
	service *download.Service
	metrics *metrics.Metrics
	logger  arbor.ILogger
}

func NewBatchHandler(service *download.Service, m *metrics.Metrics, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{service: service, metrics: m, logger: logger}
}

// CreateHandler handles POST /api/v1/batch/download.
func (h *BatchHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var req models.BatchRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	b, err := h.service.SubmitBatch(req)
	if err != nil {
		if models.CodeOf(err) == models.ErrQueueFull {
			h.metrics.QueueRejected.Inc()
		}
		WriteTypedError(w, err)
		return
	}
	h.metrics.JobsSubmitted.WithLabelValues(string(models.KindBatchChild)).Add(float64(len(b.ChildIDs)))

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"batch_id":   b.ID,
		"state":      b.State,
		"child_ids":  b.ChildIDs,
		"created_at": b.CreatedAt,
	})
}

// ListHandler handles GET /api/v1/batch.
func (h *BatchHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	batches := h.service.Batches()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"total":   len(batches),
	})
}

// GetHandler handles GET /api/v1/batch/{id}. Pass ?children=true for the
// full child snapshots.
func (h *BatchHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	status, err := h.service.Batch(id, r.URL.Query().Get("children") == "true")
	if err != nil {
		WriteTypedError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// CancelHandler handles DELETE /api/v1/batch/{id}.
func (h *BatchHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path)
	if err := h.service.CancelBatch(id); err != nil {
		WriteTypedError(w, err)
		return
	}
	h.logger.Info().Str("batch_id", id).Msg("Batch cancellation requested via API")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "success",
		"batch_id": id,
	})
}
