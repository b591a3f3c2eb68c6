// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labinstr/internal/config"
	"labinstr/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	config    *config.Config
	sessions  Sessions
	startedAt time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(config *config.Config, sessions Sessions, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		config:    config,
		sessions:  sessions,
		startedAt: time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.HealthCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// HealthCheck reports the service and its instrument sessions. An
// instrument with errors does not make the service unhealthy.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	open, errorCount := 0, int64(0)
	sessions := h.sessions.Sessions()
	for _, s := range sessions {
		if s.Open {
			open++
		}
		errorCount += s.Stats.ErrorCount
	}
	health.Checks["sessions"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"known":        len(sessions),
			"open":         open,
			"error_count":  errorCount,
			"address_book": len(h.config.Instruments),
		},
	}

	c.JSON(http.StatusOK, health)
}

// LivenessCheck reports that the process is up
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}
