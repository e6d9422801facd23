package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler answers liveness probes
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Handle responds with process liveness. Dependency state lives under
// /api/v1/memory/health.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"uptime_s":  int64(time.Since(h.startedAt).Seconds()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
