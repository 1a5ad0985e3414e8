package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/coordinator"
)

// SnapshotSource exposes the live run summary.
type SnapshotSource interface {
	Snapshot() coordinator.Summary
}

// ProgressHandler serves read-only views of the running harvest.
type ProgressHandler struct {
	source SnapshotSource
	logger *zap.Logger
}

// NewProgressHandler wires the snapshot source and logger.
func NewProgressHandler(source SnapshotSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{source: source, logger: logger}
}

// Summary handles GET /v1/progress and returns the whole live summary with
// its totals.
func (h *ProgressHandler) Summary(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	snap := h.source.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": snap,
		"totals":  snap.Totals(),
	})
}

// Source handles GET /v1/progress/sources/{source}; unknown sources are 404.
func (h *ProgressHandler) Source(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no run in progress")
		return
	}
	name := strings.TrimSpace(chi.URLParam(r, "source"))
	snap := h.source.Snapshot()
	stats, ok := snap.Sources[name]
	if !ok {
		if _, hasSession := snap.Sessions[name]; !hasSession {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"source":     name,
		"session_id": snap.Sessions[name],
		"status":     snap.Status,
		"stats":      stats,
	})
}
