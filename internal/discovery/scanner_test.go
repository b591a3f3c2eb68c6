package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"labinstr/internal/model"
)

type stubScanner struct {
	kind      string
	available bool
	found     []*DiscoveredInstrument
	err       error
}

func (s *stubScanner) Scan(context.Context) ([]*DiscoveredInstrument, error) { return s.found, s.err }
func (s *stubScanner) GetScannerType() string { return s.kind }
func (s *stubScanner) IsAvailable() bool { return s.available }

func TestScanAll(t *testing.T) {
	sm := NewScannerManager(nil)
	sm.RegisterScanner(&stubScanner{kind: "usb", available: true, found: []*DiscoveredInstrument{{Resource: "USB0::1"}}})
	sm.RegisterScanner(&stubScanner{kind: "serial", available: true, found: []*DiscoveredInstrument{{Resource: "/dev/ttyS0"}}})
	sm.RegisterScanner(&stubScanner{kind: "lan", available: true, err: errors.New("boom")})
	sm.RegisterScanner(&stubScanner{kind: "gpib", available: false})

	found, err := sm.ScanAll(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	require.Len(t, found, 2)
	assert.Equal(t, "serial", found[0].Scanner)
	assert.Equal(t, "usb", found[1].Scanner)

	assert.Equal(t, []string{"lan", "serial", "usb"}, sm.GetAvailableScanners())
}

func TestScanByType(t *testing.T) {
	sm := NewScannerManager(nil)
	sm.RegisterScanner(&stubScanner{kind: "usb", available: false})

	_, err := sm.ScanByType(context.Background(), "serial")
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = sm.ScanByType(context.Background(), "usb")
	assert.ErrorIs(t, err, model.ErrConnection)
}
