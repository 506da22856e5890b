package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Probe paths served on the admin listener.
const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
)

// Handler exposes a Checker over gin.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// Register mounts the liveness and readiness endpoints.
func (h *Handler) Register(r gin.IRouter) {
	r.GET(LivenessPath, h.Liveness)
	r.GET(ReadinessPath, h.Readiness)
}

// Liveness always answers 200 while the process serves.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, h.checker.Liveness())
}

// Readiness answers 503 when a critical dependency fails or the gateway
// is draining.
func (h *Handler) Readiness(c *gin.Context) {
	response := h.checker.Readiness(c.Request.Context())

	status := http.StatusOK
	if response.Status == StatusUnhealthy || response.Status == StatusDraining {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, response)
}
