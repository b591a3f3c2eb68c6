// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/model"
)

// Scanner finds instruments reachable over one kind of medium
type Scanner interface {
	Scan(ctx context.Context) ([]*DiscoveredInstrument, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredInstrument is one candidate found by a scanner. Resource is a
// VISA style resource name or a port path usable in an address table.
type DiscoveredInstrument struct {
	ConnectionType model.ConnectionType `json:"connection_type"`
	Resource       string               `json:"resource"`
	Vendor         string               `json:"vendor,omitempty"`
	Product        string               `json:"product,omitempty"`
	SerialNumber   string               `json:"serial_number,omitempty"`
	VendorID       string               `json:"vendor_id,omitempty"`
	ProductID      string               `json:"product_id,omitempty"`
	USBTMC         bool                 `json:"usbtmc,omitempty"`
	Scanner        string               `json:"scanner"`
}

// ScannerManager runs every registered scanner
type ScannerManager struct {
	scanners map[string]Scanner
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScannerManager{
		scanners: make(map[string]Scanner),
		logger:   logger,
	}
}

// RegisterScanner registers a scanner under its type
func (sm *ScannerManager) RegisterScanner(scanner Scanner) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Debug("Scanner registered", zap.String("type", scannerType))
}

func (sm *ScannerManager) sortedTypes() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	types := make([]string, 0, len(sm.scanners))
	for t := range sm.scanners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (sm *ScannerManager) get(scannerType string) (Scanner, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.scanners[scannerType]
	return s, ok
}

// ScanAll runs the available scanners in type order. A failing scanner
// does not stop the others; its error is combined into the returned one.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredInstrument, error) {
	var (
		all  []*DiscoveredInstrument
		errs error
	)

	for _, scannerType := range sm.sortedTypes() {
		if err := ctx.Err(); err != nil {
			return all, multierr.Append(errs, err)
		}
		scanner, _ := sm.get(scannerType)
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		found, err := scanner.Scan(ctx)
		if err != nil {
			sm.logger.Warn("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s scan: %w", scannerType, err))
			continue
		}

		for _, inst := range found {
			inst.Scanner = scannerType
		}
		all = append(all, found...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("instruments_found", len(found)),
		)
	}

	return all, errs
}

// ScanByType runs one scanner
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredInstrument, error) {
	scanner, exists := sm.get(scannerType)
	if !exists {
		return nil, fmt.Errorf("%w: scanner type not found: %s", model.ErrConfiguration, scannerType)
	}
	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("%w: scanner not available: %s", model.ErrConnection, scannerType)
	}

	found, err := scanner.Scan(ctx)
	for _, inst := range found {
		inst.Scanner = scannerType
	}
	return found, err
}

// GetAvailableScanners returns the available scanner types in order
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for _, scannerType := range sm.sortedTypes() {
		if s, _ := sm.get(scannerType); s.IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}
