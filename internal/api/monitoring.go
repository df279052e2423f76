package api

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/internal/monitoring"
	"github.com/Nuosis/clarity-local-runner-sub002/pkg/errors"
)

const defaultHistoryLimit = 100

// MonitoringHandler exposes alerts and metric windows
type MonitoringHandler struct {
	monitor *monitoring.Monitor
}

// NewMonitoringHandler creates a new monitoring handler
func NewMonitoringHandler(monitor *monitoring.Monitor) *MonitoringHandler {
	return &MonitoringHandler{monitor: monitor}
}

// ListActiveAlerts returns unresolved alerts, oldest first
func (h *MonitoringHandler) ListActiveAlerts(c *gin.Context) {
	alerts := h.monitor.ActiveAlerts()
	ListResponse(c, alerts, len(alerts))
}

// ListAlertHistory returns the most recent alerts, newest last
func (h *MonitoringHandler) ListAlertHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			BadRequestResponse(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	alerts := h.monitor.AlertHistory(limit)
	ListResponse(c, alerts, len(alerts))
}

// ResolveAlert marks an active alert resolved
func (h *MonitoringHandler) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.monitor.ResolveAlert(id); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"id": id, "resolved": true})
}

// MetricStatsResponse is the window summary for one metric
type MetricStatsResponse struct {
	Name   string             `json:"name"`
	Stats  *monitoring.Stats  `json:"stats"`
	Latest *monitoring.Sample `json:"latest,omitempty"`
}

// GetMetricStats returns window statistics for a metric
func (h *MonitoringHandler) GetMetricStats(c *gin.Context) {
	name := c.Param("name")
	stats, ok := h.monitor.GetMetricStatistics(name)
	if !ok {
		ErrorResponseFromError(c, errors.NewNotFoundError("metric "+name))
		return
	}

	response := MetricStatsResponse{Name: name, Stats: stats}
	if latest, ok := h.monitor.Latest(name); ok {
		response.Latest = &latest
	}
	SuccessResponse(c, response)
}

// GetSummary returns the monitor summary
func (h *MonitoringHandler) GetSummary(c *gin.Context) {
	SuccessResponse(c, h.monitor.Summary())
}
