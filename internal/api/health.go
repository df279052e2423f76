package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/resilience"
)

// Version is reported by the health endpoint
var Version = "dev"

// HealthChecker is a dependency the health endpoint probes
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests
type HealthHandler struct {
	checks  map[string]HealthChecker
	manager *resilience.Manager
	timeout time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(manager *resilience.Manager, checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		manager: manager,
		timeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version"`
	Degradation string                 `json:"degradation"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// HealthCheck represents an individual health check
type HealthCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Health reports dependency status and the degradation level derived from
// the circuit breakers. A failed check makes the service unhealthy; open
// breakers only degrade it.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	response := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Version:     Version,
		Degradation: resilience.LevelNormal.String(),
		Checks:      make(map[string]HealthCheck, len(h.checks)),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		start := time.Now()
		err := h.checks[name].Health(ctx)
		check := HealthCheck{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
		if err != nil {
			check.Status = "unhealthy"
			check.Message = err.Error()
			response.Status = "unhealthy"
		}
		response.Checks[name] = check
	}

	if h.manager != nil {
		level := resilience.DegradationFor(h.manager.CircuitBreakers())
		response.Degradation = level.String()
		if level != resilience.LevelNormal && response.Status == "healthy" {
			response.Status = "degraded"
		}
	}

	status := http.StatusOK
	if response.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}
