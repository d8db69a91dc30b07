package ingestion

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers ingestion routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/ingestion")

	// Stage files and enqueue a job
	g.POST("/uploads", h.Upload)

	// Poll job status with per-document outcomes
	g.GET("/jobs/:id", h.GetJob)

	// Queue counts and worker counters
	g.GET("/stats", h.Stats)
}
