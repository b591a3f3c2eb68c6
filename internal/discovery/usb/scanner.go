// internal/discovery/usb/scanner.go
package usb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"labinstr/internal/discovery"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
	"labinstr/internal/protocol/usbtmc"
)

// Config for USB scanner
type Config struct {
	ScanTimeout   time.Duration `json:"scan_timeout"`
	EnableDebug   bool          `json:"enable_debug"`
	MaxConcurrent int           `json:"max_concurrent"`
	// AllDevices reports every device, not only USBTMC ones and known vendors.
	AllDevices bool `json:"all_devices"`
}

// Scanner enumerates USB devices and reports USBTMC instruments and
// adapters from known vendors.
type Scanner struct {
	logger *zap.Logger
	config *Config
}

// NewScanner creates a new USB scanner
func NewScanner(logger *zap.Logger, config *Config) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Config{
			ScanTimeout:   10 * time.Second,
			MaxConcurrent: 4,
		}
	}
	return &Scanner{
		logger: logger.With(zap.String("scanner", "usb")),
		config: config,
	}
}

// GetScannerType returns scanner type identifier
func (s *Scanner) GetScannerType() string {
	return "usb"
}

// IsAvailable checks that libusb can be initialised
func (s *Scanner) IsAvailable() bool {
	available := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Debug("libusb unavailable", zap.Any("reason", r))
				available = false
			}
		}()
		usbCtx := gousb.NewContext()
		_ = usbCtx.Close()
	}()
	return available
}

// Scan opens every matching device long enough to read its string
// descriptors.
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredInstrument, error) {
	startTime := time.Now()

	scanCtx, cancel := context.WithTimeout(ctx, s.config.ScanTimeout)
	defer cancel()

	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			s.logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()
	if s.config.EnableDebug {
		usbCtx.Debug(3)
	}

	devices, err := usbCtx.OpenDevices(s.shouldExamine)
	defer s.closeAll(devices)
	if err != nil && len(devices) == 0 {
		return nil, fmt.Errorf("%w: failed to enumerate USB devices: %v", model.ErrConnection, err)
	}
	if err != nil {
		// Some devices failed to open, typically for lack of permission.
		s.logger.Warn("Some USB devices could not be opened", zap.Error(err))
	}

	found := s.processConcurrently(scanCtx, devices)
	sort.Slice(found, func(i, j int) bool { return found[i].Resource < found[j].Resource })

	s.logger.Info("USB scan completed",
		zap.Int("instruments_found", len(found)),
		zap.Duration("scan_duration", time.Since(startTime)),
	)
	return found, scanCtx.Err()
}

func (s *Scanner) shouldExamine(desc *gousb.DeviceDesc) bool {
	return s.config.AllDevices || interesting(desc)
}

// interesting reports whether desc belongs to an instrument or adapter.
func interesting(desc *gousb.DeviceDesc) bool {
	if _, ok := LookupVendor(desc.Vendor); ok {
		return true
	}
	return protocol.HasTMCInterface(desc)
}

func (s *Scanner) processConcurrently(ctx context.Context, devices []*gousb.Device) []*discovery.DiscoveredInstrument {
	return describeAll(ctx, devices, s.config.MaxConcurrent, s.describeDevice)
}

// describeAll runs describe over items with up to workers goroutines. Once
// ctx is done no further item is started, but describeAll still waits for
// the running ones so the caller may release what they use.
func describeAll[T any](ctx context.Context, items []T, workers int, describe func(T) *discovery.DiscoveredInstrument) []*discovery.DiscoveredInstrument {
	if len(items) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 4
	}

	jobs := make(chan T, len(items))
	for _, item := range items {
		jobs <- item
	}
	close(jobs)

	var (
		mu    sync.Mutex
		found []*discovery.DiscoveredInstrument
		wg    sync.WaitGroup
	)
	for i := 0; i < workers && i < len(items); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if ctx.Err() != nil {
					return
				}
				inst := describe(item)
				mu.Lock()
				found = append(found, inst)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return found
}

func (s *Scanner) describeDevice(device *gousb.Device) *discovery.DiscoveredInstrument {
	strs := deviceStrings{
		manufacturer: s.stringDescriptor("manufacturer", device.Manufacturer),
		product:      s.stringDescriptor("product", device.Product),
		serial:       s.stringDescriptor("serial", device.SerialNumber),
	}
	return describe(device.Desc, strs)
}

func (s *Scanner) stringDescriptor(name string, read func() (string, error)) string {
	str, err := read()
	if err != nil {
		s.logger.Debug("Failed to read string descriptor", zap.String("descriptor", name), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(str)
}

type deviceStrings struct {
	manufacturer string
	product      string
	serial       string
}

// describe builds the discovery entry for one device. USBTMC devices get a
// VISA resource string; other devices are reported by bus location.
func describe(desc *gousb.DeviceDesc, strs deviceStrings) *discovery.DiscoveredInstrument {
	inst := &discovery.DiscoveredInstrument{
		ConnectionType: model.ConnectionTypeUSB,
		Vendor:         strs.manufacturer,
		Product:        strs.product,
		SerialNumber:   strs.serial,
		VendorID:       fmt.Sprintf("0x%04X", uint16(desc.Vendor)),
		ProductID:      fmt.Sprintf("0x%04X", uint16(desc.Product)),
		USBTMC:         protocol.HasTMCInterface(desc),
	}
	if v, ok := LookupVendor(desc.Vendor); ok && inst.Vendor == "" {
		inst.Vendor = v.Name
	}
	if inst.USBTMC {
		inst.Resource = usbtmc.ResourceString(uint16(desc.Vendor), uint16(desc.Product), strs.serial)
	} else {
		inst.Resource = fmt.Sprintf("usb:bus%d:addr%d", desc.Bus, desc.Address)
	}
	return inst
}

func (s *Scanner) closeAll(devices []*gousb.Device) {
	for i, device := range devices {
		if device == nil {
			continue
		}
		if err := device.Close(); err != nil {
			s.logger.Warn("Failed to close USB device", zap.Int("device_index", i), zap.Error(err))
		}
	}
}
