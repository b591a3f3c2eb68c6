package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/config"
	"labinstr/internal/model"
)

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "labinstr.log")
	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: path, MaxSize: 1})
	require.NoError(t, err)

	NewInstrumentLogger(logger, "dmm", "TCP").LogTransaction("send", "*IDN?\n", 6, 0, nil)
	require.NoError(t, CloseLogger(logger))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "dmm", entry["instrument_id"])
	assert.Equal(t, `"*IDN?\n"`, entry["command"])
}

func TestNewLoggerRejectsLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("wrap: %w", model.ErrConfiguration), http.StatusBadRequest},
		{model.ErrValue, http.StatusUnprocessableEntity},
		{model.ErrMalformedBlock, http.StatusUnprocessableEntity},
		{model.ErrTimeout, http.StatusGatewayTimeout},
		{model.ErrConnection, http.StatusBadGateway},
		{model.ErrTransport, http.StatusBadGateway},
		{fmt.Errorf("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

func TestBindErrorResponseListsFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set("request_id", "abc")

	var req struct {
		Command string `json:"command" binding:"required"`
	}
	BindErrorResponse(c, c.ShouldBindJSON(&req))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp struct {
		RequestID string `json:"request_id"`
		Error     APIError
		Data      struct {
			ValidationErrors map[string]string `json:"validation_errors"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp.RequestID)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Equal(t, map[string]string{"command": "required"}, resp.Data.ValidationErrors)
}

func TestDomainErrorResponseCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	DomainErrorResponse(c, "Query failed", fmt.Errorf("read: %w", model.ErrTimeout))

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"TIMEOUT"`)
}
