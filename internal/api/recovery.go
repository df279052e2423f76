package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Nuosis/clarity-local-runner-sub002/pkg/resilience"
)

// RecoveryHandler exposes circuit breakers and recovery counters
type RecoveryHandler struct {
	manager *resilience.Manager
}

// NewRecoveryHandler creates a new recovery handler
func NewRecoveryHandler(manager *resilience.Manager) *RecoveryHandler {
	return &RecoveryHandler{manager: manager}
}

// ListCircuitBreakers returns a snapshot of every breaker
func (h *RecoveryHandler) ListCircuitBreakers(c *gin.Context) {
	breakers := h.manager.CircuitBreakers()
	ListResponse(c, breakers, len(breakers))
}

// ResetCircuitBreaker forces a breaker closed
func (h *RecoveryHandler) ResetCircuitBreaker(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.ResetCircuitBreaker(name); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, gin.H{"name": name, "state": resilience.StateClosed.String()})
}

// GetStats returns per-operation counters and the degradation level
func (h *RecoveryHandler) GetStats(c *gin.Context) {
	SuccessResponse(c, h.manager.Stats())
}
