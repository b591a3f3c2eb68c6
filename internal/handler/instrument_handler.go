// internal/handler/instrument_handler.go
package handler

import (
	"context"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"labinstr/internal/block"
	"labinstr/internal/config"
	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/internal/session"
	"labinstr/internal/utils"
	"labinstr/pkg/driver"
)

// Sessions is the part of session.Manager the handlers use
type Sessions interface {
	With(ctx context.Context, id string, fn func(inst *instrument.Instrument) error) error
	WithDriver(ctx context.Context, id string, fn func(d driver.Driver) error) error
	Close(id string) error
	Sessions() []session.Info
}

// InstrumentHandler exposes the address table instruments over HTTP
type InstrumentHandler struct {
	sessions Sessions
	table    *config.AddressTable
	logger   *utils.ServiceLogger
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(sessions Sessions, table *config.AddressTable, logger *zap.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		sessions: sessions,
		table:    table,
		logger:   utils.NewServiceLogger(logger, "instrument-handler"),
	}
}

// RegisterRoutes registers instrument routes
func (h *InstrumentHandler) RegisterRoutes(router *gin.RouterGroup) {
	instruments := router.Group("/instruments")
	{
		instruments.GET("", h.ListInstruments)

		inst := instruments.Group("/:id")
		{
			inst.GET("", h.GetInstrument)
			inst.POST("/send", h.Send)
			inst.POST("/query", h.Query)
			inst.POST("/block", h.QueryBlock)
			inst.GET("/status", h.Status)
			inst.POST("/local", h.ReturnToLocal)
			inst.POST("/clear", h.DeviceClear)
			inst.GET("/identify", h.Identify)
			inst.GET("/errors", h.Errors)
			inst.DELETE("/session", h.CloseSession)
		}
	}
	router.GET("/sessions", h.ListSessions)
}

// CommandRequest is the body of send and query requests
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
	// As is raw, text, int, float or decimal. Empty means text.
	As string `json:"as"`
}

// BlockRequest is the body of a binary block query
type BlockRequest struct {
	Command string `json:"command" binding:"required"`
	// Format is a dtype descriptor such as ">i2" or "float32".
	Format string `json:"format" binding:"required"`
}

// QueryResult is returned by the query endpoint
type QueryResult struct {
	Command string      `json:"command"`
	As      string      `json:"as"`
	Value   interface{} `json:"value"`
}

// BlockResult is returned by the block endpoint
type BlockResult struct {
	Command string      `json:"command"`
	Format  string      `json:"format"`
	Count   int         `json:"count"`
	Values  interface{} `json:"values"`
}

// StatusResult is the decoded status byte
type StatusResult struct {
	Value byte    `json:"value"`
	Bits  [8]bool `json:"bits"`
}

// ListInstruments lists the address table
func (h *InstrumentHandler) ListInstruments(c *gin.Context) {
	instruments := h.table.List()
	utils.SuccessResponse(c, http.StatusOK, "Instruments retrieved", gin.H{
		"count":       len(instruments),
		"instruments": instruments,
	})
}

// GetInstrument returns one address table entry
func (h *InstrumentHandler) GetInstrument(c *gin.Context) {
	info, err := h.table.Info(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Instrument not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument retrieved", info)
}

// Send writes a command without reading a response
func (h *InstrumentHandler) Send(c *gin.Context) {
	id := c.Param("id")
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}

	err := h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		return inst.Send(c.Request.Context(), req.Command)
	})
	if err != nil {
		h.fail(c, id, "Send failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Command sent", gin.H{"command": req.Command})
}

// Query writes a command and returns the coerced response
func (h *InstrumentHandler) Query(c *gin.Context) {
	id := c.Param("id")
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}
	if req.As == "" {
		req.As = string(model.ValueText)
	}
	kind, err := model.ParseValueKind(req.As)
	if err != nil {
		utils.DomainErrorResponse(c, "Invalid value kind", err)
		return
	}

	var value interface{}
	err = h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		v, err := inst.QueryAs(c.Request.Context(), req.Command, kind)
		value = v
		return err
	})
	if err != nil {
		h.fail(c, id, "Query failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Query completed", QueryResult{
		Command: req.Command,
		As:      string(kind),
		Value:   jsonValue(value),
	})
}

// QueryBlock writes a command and decodes the binary block response
func (h *InstrumentHandler) QueryBlock(c *gin.Context) {
	id := c.Param("id")
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BindErrorResponse(c, err)
		return
	}
	format, err := block.ParseFormat(req.Format)
	if err != nil {
		utils.DomainErrorResponse(c, "Invalid block format", err)
		return
	}

	var samples block.Samples
	err = h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		s, err := inst.QueryBlock(c.Request.Context(), req.Command, format)
		samples = s
		return err
	})
	if err != nil {
		h.fail(c, id, "Block query failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Block decoded", BlockResult{
		Command: req.Command,
		Format:  format.String(),
		Count:   samples.Len(),
		Values:  sampleValues(samples),
	})
}

// Status reads the serial poll status byte
func (h *InstrumentHandler) Status(c *gin.Context) {
	id := c.Param("id")
	var bits [8]bool
	err := h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		b, err := inst.StatusByte(c.Request.Context())
		bits = b
		return err
	})
	if err != nil {
		h.fail(c, id, "Status read failed", err)
		return
	}

	var value byte
	for i, set := range bits {
		if set {
			value |= 1 << i
		}
	}
	utils.SuccessResponse(c, http.StatusOK, "Status byte read", StatusResult{Value: value, Bits: bits})
}

// ReturnToLocal releases remote control of the instrument
func (h *InstrumentHandler) ReturnToLocal(c *gin.Context) {
	id := c.Param("id")
	err := h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		return inst.ReturnToLocal(c.Request.Context())
	})
	if err != nil {
		h.fail(c, id, "Return to local failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument returned to local", nil)
}

// DeviceClear sends a selected device clear
func (h *InstrumentHandler) DeviceClear(c *gin.Context) {
	id := c.Param("id")
	err := h.sessions.With(c.Request.Context(), id, func(inst *instrument.Instrument) error {
		return inst.DeviceClear(c.Request.Context())
	})
	if err != nil {
		h.fail(c, id, "Device clear failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device cleared", nil)
}

// Identify returns the parsed *IDN? response
func (h *InstrumentHandler) Identify(c *gin.Context) {
	id := c.Param("id")
	var identity *driver.Identity
	err := h.sessions.WithDriver(c.Request.Context(), id, func(d driver.Driver) error {
		var err error
		identity, err = d.Identify(c.Request.Context())
		return err
	})
	if err != nil {
		h.fail(c, id, "Identify failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Instrument identified", identity)
}

// Errors drains the instrument error queue
func (h *InstrumentHandler) Errors(c *gin.Context) {
	id := c.Param("id")
	var errs []driver.InstrumentError
	err := h.sessions.WithDriver(c.Request.Context(), id, func(d driver.Driver) error {
		var err error
		errs, err = d.DrainErrors(c.Request.Context(), 32)
		return err
	})
	if err != nil {
		h.fail(c, id, "Error queue read failed", err)
		return
	}
	if errs == nil {
		errs = []driver.InstrumentError{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Error queue drained", gin.H{"count": len(errs), "errors": errs})
}

// CloseSession closes the open session of an instrument
func (h *InstrumentHandler) CloseSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Close(id); err != nil {
		h.fail(c, id, "Close failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Session closed", gin.H{"id": strings.ToLower(id)})
}

// ListSessions lists the known sessions
func (h *InstrumentHandler) ListSessions(c *gin.Context) {
	sessions := h.sessions.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved", gin.H{"count": len(sessions), "sessions": sessions})
}

func (h *InstrumentHandler) fail(c *gin.Context, id, message string, err error) {
	h.logger.Warn(message, zap.String("instrument_id", id), zap.Error(err))
	utils.DomainErrorResponse(c, message, err)
}

// jsonValue keeps raw responses readable in JSON instead of base64.
func jsonValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func sampleValues(s block.Samples) interface{} {
	switch s.Format().Kind {
	case block.Float:
		return finiteFloats(s.Float64s())
	case block.Uint:
		return s.Uint64s()
	default:
		return s.Int64s()
	}
}

// finiteFloats maps NaN and infinite samples to nil, which encode as JSON null.
func finiteFloats(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if !math.IsNaN(values[i]) && !math.IsInf(values[i], 0) {
			out[i] = &values[i]
		}
	}
	return out
}
