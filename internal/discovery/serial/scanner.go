// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"labinstr/internal/discovery"
	"labinstr/internal/model"
)

// Scanner lists the serial ports of the host, including USB serial
// adapters with their VID/PID.
type Scanner struct {
	logger *zap.Logger
	list   func() ([]*enumerator.PortDetails, error)
}

// NewScanner creates a serial port scanner
func NewScanner(logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "serial")),
		list:   enumerator.GetDetailedPortsList,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable reports true; port enumeration works on every platform.
func (s *Scanner) IsAvailable() bool {
	return true
}

// Scan enumerates serial ports. Ports are not opened.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredInstrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list serial ports: %v", model.ErrConnection, err)
	}

	found := make([]*discovery.DiscoveredInstrument, 0, len(ports))
	for _, port := range ports {
		inst := &discovery.DiscoveredInstrument{
			ConnectionType: model.ConnectionTypeSerial,
			Resource:       port.Name,
			Product:        port.Product,
		}
		if port.IsUSB {
			inst.VendorID = "0x" + strings.ToUpper(port.VID)
			inst.ProductID = "0x" + strings.ToUpper(port.PID)
			inst.SerialNumber = port.SerialNumber
		}
		found = append(found, inst)
	}

	s.logger.Debug("Serial ports listed", zap.Int("ports", len(found)))
	return found, nil
}
