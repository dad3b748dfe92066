package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/triplog-app/triplog/internal/metrics"
)

// MetricsHandler exposes the metrics registry in Prometheus text format.
type MetricsHandler struct {
	registry *metrics.Registry
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(registry *metrics.Registry) *MetricsHandler {
	return &MetricsHandler{registry: registry}
}

// RegisterPublicRoutes registers the metrics route.
func (h *MetricsHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/metrics", h.Metrics)
}

// Metrics renders all counters and gauges.
// GET /metrics
func (h *MetricsHandler) Metrics(c *gin.Context) {
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(h.registry.Render(c.Request.Context())))
}
