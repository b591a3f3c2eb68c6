// internal/handler/discovery_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/discovery"
	"labinstr/internal/utils"
)

// Scanners is the part of discovery.ScannerManager the handler uses
type Scanners interface {
	ScanAll(ctx context.Context) ([]*discovery.DiscoveredInstrument, error)
	ScanByType(ctx context.Context, scannerType string) ([]*discovery.DiscoveredInstrument, error)
	GetAvailableScanners() []string
}

// DiscoveryHandler handles instrument discovery requests
type DiscoveryHandler struct {
	scanners Scanners
	logger   *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners Scanners, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners: scanners,
		logger:   utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discovery := router.Group("/discovery")
	{
		discovery.GET("/scan", h.Scan)
		discovery.GET("/scanners", h.ListScanners)
	}
}

// Scan runs one scanner (?type=usb) or all of them. Scanner failures
// during a full scan are reported next to the partial result.
func (h *DiscoveryHandler) Scan(c *gin.Context) {
	scanType := c.DefaultQuery("type", "all")
	timeout, err := time.ParseDuration(c.DefaultQuery("timeout", "30s"))
	if err != nil || timeout <= 0 {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid timeout", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var (
		found   []*discovery.DiscoveredInstrument
		scanErr error
	)
	if scanType == "all" {
		found, scanErr = h.scanners.ScanAll(ctx)
	} else {
		found, scanErr = h.scanners.ScanByType(ctx, scanType)
		if scanErr != nil && len(found) == 0 {
			h.logger.Warn("Scan failed", zap.String("type", scanType), zap.Error(scanErr))
			utils.DomainErrorResponse(c, "Scan failed", scanErr)
			return
		}
	}

	warnings := []string{}
	for _, err := range multierr.Errors(scanErr) {
		warnings = append(warnings, err.Error())
	}
	if found == nil {
		found = []*discovery.DiscoveredInstrument{}
	}

	utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
		"instruments_found": len(found),
		"instruments":       found,
		"warnings":          warnings,
	})
}

// ListScanners lists the scanners usable on this host
func (h *DiscoveryHandler) ListScanners(c *gin.Context) {
	available := h.scanners.GetAvailableScanners()
	if available == nil {
		available = []string{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved", gin.H{"scanners": available})
}
