package handlers

import (
	"net/http"

	"flaccy/core/monitoring"

	"go.uber.org/zap"
)

// DashboardHandler exposes job metrics for Prometheus/Grafana
type DashboardHandler struct {
	exporter *monitoring.MetricsExporter
	logger   *zap.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(exporter *monitoring.MetricsExporter, logger *zap.Logger) *DashboardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DashboardHandler{exporter: exporter, logger: logger}
}

// GetMetrics handles GET /metrics
func (h *DashboardHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	body, err := h.exporter.GetPrometheusMetrics(r.Context())
	if err != nil {
		h.logger.Error("Failed to collect metrics", zap.Error(err))
		http.Error(w, "failed to collect metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(body))
}
