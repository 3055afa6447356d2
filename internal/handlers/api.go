package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/capto/internal/common"
	"github.com/ternarybob/capto/internal/interfaces"
	"github.com/ternarybob/capto/internal/models"
	"github.com/ternarybob/capto/internal/queue"
)

// APIHandler serves the system endpoints: health, version and queue stats.
type APIHandler struct {
	logger  arbor.ILogger
	store   interfaces.JobStore
	pool    *queue.Pool
	started time.Time
}

func NewAPIHandler(store interfaces.JobStore, pool *queue.Pool, logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:  logger,
		store:   store,
		pool:    pool,
		started: time.Now().UTC(),
	}
}

// HealthHandler reports liveness. Exempt from auth.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    common.GetVersion(),
		"uptime_sec": int(time.Since(h.started).Seconds()),
	})
}

// VersionHandler reports build information. Exempt from auth.
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.Build,
		"commit":  common.GitCommit,
	})
}

// StatsHandler reports queue depth, active downloads and per-state counts.
func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.Stats())
}

// Stats assembles the current snapshot; also feeds the Prometheus gauges.
func (h *APIHandler) Stats() map[string]interface{} {
	byState := make(map[string]int)
	for _, job := range h.store.List(models.JobFilter{}) {
		byState[string(job.State)]++
	}
	return map[string]interface{}{
		"queue_depth": h.pool.QueueDepth(),
		"active":      h.pool.ActiveCount(),
		"jobs":        byState,
	}
}
