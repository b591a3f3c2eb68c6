package serial

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"

	"labinstr/internal/model"
)

func TestScanListsPorts(t *testing.T) {
	s := NewScanner(nil)
	s.list = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "FT1ABC", Product: "FT232R"},
		}, nil
	}

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)

	assert.Equal(t, "/dev/ttyS0", found[0].Resource)
	assert.Empty(t, found[0].VendorID)

	assert.Equal(t, model.ConnectionTypeSerial, found[1].ConnectionType)
	assert.Equal(t, "0x0403", found[1].VendorID)
	assert.Equal(t, "0x6001", found[1].ProductID)
	assert.Equal(t, "FT1ABC", found[1].SerialNumber)
}

func TestScanListFailure(t *testing.T) {
	s := NewScanner(nil)
	s.list = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("no sysfs")
	}

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, model.ErrConnection)
}
