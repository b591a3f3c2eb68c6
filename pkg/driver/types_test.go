package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/model"
)

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("THORLABS,PM100USB,P2001234\n")
	require.NoError(t, err)
	assert.Equal(t, "THORLABS", id.Manufacturer)
	assert.Equal(t, "P2001234", id.SerialNumber)
	assert.Empty(t, id.Firmware)

	_, err = ParseIdentity("  \r\n")
	assert.ErrorIs(t, err, model.ErrValue)
}

func TestParseInstrumentError(t *testing.T) {
	e, err := ParseInstrumentError(`0,"No error"`)
	require.NoError(t, err)
	assert.True(t, e.IsNoError())

	e, err = ParseInstrumentError(`-410,"Query INTERRUPTED"`)
	require.NoError(t, err)
	assert.Equal(t, -410, e.Code)
	assert.Equal(t, `instrument error -410: Query INTERRUPTED`, e.Error())

	_, err = ParseInstrumentError("garbage")
	assert.ErrorIs(t, err, model.ErrValue)
}

func TestEventStatusFlags(t *testing.T) {
	r := ESRPowerOn | ESROperationComplete
	assert.Equal(t, []string{"operation_complete", "power_on"}, r.Flags())
	assert.False(t, r.HasError())
}
