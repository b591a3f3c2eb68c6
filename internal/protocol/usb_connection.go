// internal/protocol/usb_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/model"
	"labinstr/internal/protocol/usbtmc"
)

const usbMaxTransfer = 1 << 20

// USBConnection implements Channel for USBTMC instruments
type USBConnection struct {
	statsRecorder

	config   USBConfig
	timeout  time.Duration
	usbCtx   *gousb.Context
	device   *gousb.Device
	usbCfg   *gousb.Config
	intf     *gousb.Interface
	outEndpt *gousb.OutEndpoint
	inEndpt  *gousb.InEndpoint
	tags     usbtmc.Tagger
	resource string
	logger   *zap.Logger
	mutex    sync.RWMutex
	isOpen   bool
}

// NewUSBConnection creates a new USB connection
func NewUSBConnection(config USBConfig, timeout time.Duration, logger *zap.Logger) *USBConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &USBConnection{
		config:  config,
		timeout: timeout,
		logger: logger.With(
			zap.String("protocol", "usb"),
			zap.String("serial_number", config.SerialNumber),
		),
	}
}

// tmcInterface locates the USBTMC interface of a device.
type tmcInterface struct {
	config    int
	number    int
	alternate int
	in        int
	out       int
}

// findTMCInterface returns the first interface with the USBTMC class
// triple and a bulk endpoint pair.
func findTMCInterface(desc *gousb.DeviceDesc) (tmcInterface, bool) {
	for cfgNum, cfg := range desc.Configs {
		for _, ifDesc := range cfg.Interfaces {
			for _, alt := range ifDesc.AltSettings {
				if uint8(alt.Class) != usbtmc.ClassApplication || uint8(alt.SubClass) != usbtmc.SubclassTMC {
					continue
				}
				found := tmcInterface{config: cfgNum, number: alt.Number, alternate: alt.Alternate, in: -1, out: -1}
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					if ep.Direction == gousb.EndpointDirectionIn && found.in < 0 {
						found.in = ep.Number
					} else if ep.Direction == gousb.EndpointDirectionOut && found.out < 0 {
						found.out = ep.Number
					}
				}
				if found.in >= 0 && found.out >= 0 {
					return found, true
				}
			}
		}
	}
	return tmcInterface{}, false
}

// HasTMCInterface reports whether desc exposes a USBTMC interface.
func HasTMCInterface(desc *gousb.DeviceDesc) bool {
	_, ok := findTMCInterface(desc)
	return ok
}

// Open opens the USB connection
func (uc *USBConnection) Open(ctx context.Context) error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	if uc.isOpen {
		return nil
	}

	uc.logger.Info("Opening USB connection")

	var vendorID, productID gousb.ID
	var err error
	if uc.config.VendorID != "" {
		if vendorID, err = parseHexID(uc.config.VendorID); err != nil {
			return configError("invalid vendor ID: %v", err)
		}
	}
	if uc.config.ProductID != "" {
		if productID, err = parseHexID(uc.config.ProductID); err != nil {
			return configError("invalid product ID: %v", err)
		}
	}

	uc.usbCtx = gousb.NewContext()

	device, iface, err := uc.findAndOpenDevice(vendorID, productID)
	if err != nil {
		uc.release()
		uc.logger.Error("Failed to find USB device", zap.Error(err))
		return err
	}
	uc.device = device

	if err := device.SetAutoDetach(true); err != nil {
		uc.logger.Warn("Failed to enable kernel driver auto-detach", zap.Error(err))
	}

	if err := uc.claim(iface); err != nil {
		uc.release()
		return fmt.Errorf("%w: failed to claim USBTMC interface: %v", model.ErrConnection, err)
	}

	uc.isOpen = true
	uc.setConnected(true)

	uc.logger.Info("USB connection opened successfully", zap.String("resource", uc.resource))
	return nil
}

func (uc *USBConnection) claim(iface tmcInterface) error {
	cfg, err := uc.device.Config(iface.config)
	if err != nil {
		return err
	}
	uc.usbCfg = cfg

	intf, err := cfg.Interface(iface.number, iface.alternate)
	if err != nil {
		return err
	}
	uc.intf = intf

	if uc.outEndpt, err = intf.OutEndpoint(iface.out); err != nil {
		return err
	}
	if uc.inEndpt, err = intf.InEndpoint(iface.in); err != nil {
		return err
	}
	return nil
}

// release closes whatever Open acquired, in reverse order.
func (uc *USBConnection) release() error {
	var err error
	if uc.intf != nil {
		uc.intf.Close()
		uc.intf = nil
	}
	if uc.usbCfg != nil {
		err = multierr.Append(err, uc.usbCfg.Close())
		uc.usbCfg = nil
	}
	if uc.device != nil {
		err = multierr.Append(err, uc.device.Close())
		uc.device = nil
	}
	if uc.usbCtx != nil {
		err = multierr.Append(err, uc.usbCtx.Close())
		uc.usbCtx = nil
	}
	uc.outEndpt = nil
	uc.inEndpt = nil
	return err
}

// Close closes the USB connection
func (uc *USBConnection) Close() error {
	uc.mutex.Lock()
	defer uc.mutex.Unlock()

	wasOpen := uc.isOpen
	err := uc.release()
	uc.isOpen = false
	if wasOpen {
		uc.setConnected(false)
	}

	if err != nil {
		uc.logger.Error("Failed to close USB connection", zap.Error(err))
		return fmt.Errorf("%w: failed to close USB connection: %v", model.ErrTransport, err)
	}
	if wasOpen {
		uc.logger.Info("USB connection closed successfully")
	}
	return nil
}

// IsOpen returns whether the connection is open
func (uc *USBConnection) IsOpen() bool {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return uc.isOpen && uc.device != nil && uc.outEndpt != nil
}

// MessageOriented reports that every Read returns one whole message.
func (uc *USBConnection) MessageOriented() bool { return true }

// Resource returns the VISA resource string of the opened device.
func (uc *USBConnection) Resource() string {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()
	return uc.resource
}

func (uc *USBConnection) boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && uc.timeout > 0 {
		return context.WithTimeout(ctx, uc.timeout)
	}
	return context.WithCancel(ctx)
}

// Write sends data as one DEV_DEP_MSG_OUT transfer
func (uc *USBConnection) Write(ctx context.Context, data []byte) error {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen || uc.outEndpt == nil {
		return notOpen("USB")
	}

	ctx, cancel := uc.boundedContext(ctx)
	defer cancel()

	startTime := time.Now()
	transfer := usbtmc.EncodeBulkOut(uc.tags.Next(), data, true)
	n, err := uc.outEndpt.WriteContext(ctx, transfer)
	if err != nil {
		uc.recordError()
		uc.logger.Error("USB write failed", zap.Error(err))
		return usbError(ctx, "USB write", err)
	}
	if n != len(transfer) {
		uc.recordError()
		return fmt.Errorf("%w: incomplete write: wrote %d of %d bytes", model.ErrTransport, n, len(transfer))
	}

	uc.recordWrite(len(data), startTime)
	uc.logger.Debug("USB write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read requests a message and collects bulk-in transfers until EOM
func (uc *USBConnection) Read(ctx context.Context) ([]byte, error) {
	uc.mutex.RLock()
	defer uc.mutex.RUnlock()

	if !uc.isOpen || uc.inEndpt == nil {
		return nil, notOpen("USB")
	}

	ctx, cancel := uc.boundedContext(ctx)
	defer cancel()

	startTime := time.Now()
	var msg []byte
	for {
		tag := uc.tags.Next()
		if _, err := uc.outEndpt.WriteContext(ctx, usbtmc.EncodeRequestIn(tag, usbMaxTransfer, -1)); err != nil {
			uc.recordError()
			return nil, usbError(ctx, "USB read request", err)
		}

		part, eom, err := uc.readTransfer(ctx, tag)
		if err != nil {
			uc.recordError()
			return nil, err
		}
		msg = append(msg, part...)
		if eom {
			break
		}
	}

	uc.recordRead(len(msg), startTime)
	uc.logger.Debug("USB read completed", zap.Int("bytes", len(msg)))
	return msg, nil
}

// readTransfer reads the packets of one DEV_DEP_MSG_IN transfer.
func (uc *USBConnection) readTransfer(ctx context.Context, tag byte) ([]byte, bool, error) {
	buf := make([]byte, usbtmc.HeaderSize+usbMaxTransfer)
	n, err := uc.inEndpt.ReadContext(ctx, buf)
	if err != nil {
		return nil, false, usbError(ctx, "USB read", err)
	}
	in, err := usbtmc.DecodeBulkIn(buf[:n])
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", model.ErrTransport, err)
	}
	if in.Tag != tag {
		return nil, false, fmt.Errorf("%w: bulk-in bTag %d does not match request %d", model.ErrTransport, in.Tag, tag)
	}

	data := append([]byte(nil), in.Data...)
	for len(data) < in.TransferSize {
		n, err := uc.inEndpt.ReadContext(ctx, buf)
		if err != nil {
			return nil, false, usbError(ctx, "USB read", err)
		}
		if n == 0 {
			break
		}
		data = append(data, buf[:n]...)
	}
	if len(data) > in.TransferSize {
		data = data[:in.TransferSize]
	}
	return data, in.EOM, nil
}

// Type returns the protocol type
func (uc *USBConnection) Type() model.ConnectionType {
	return model.ConnectionTypeUSB
}

func usbError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, model.ErrTimeout)
	}
	if errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("%s: %w", op, model.ErrTimeout)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrTransport, err)
}

// parseHexID parses hex ID string (0x1234 or 1234)
func parseHexID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(hexStr)), "0x")
	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}
	return gousb.ID(id), nil
}

// findAndOpenDevice opens every USBTMC device, renders its resource string
// and keeps the first one that contains the configured serial number.
func (uc *USBConnection) findAndOpenDevice(vendorID, productID gousb.ID) (*gousb.Device, tmcInterface, error) {
	devices, err := uc.usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vendorID != 0 && desc.Vendor != vendorID {
			return false
		}
		if productID != 0 && desc.Product != productID {
			return false
		}
		return HasTMCInterface(desc)
	})
	// OpenDevices may return devices along with an error for the ones it
	// could not open.
	if err != nil && len(devices) == 0 {
		return nil, tmcInterface{}, fmt.Errorf("%w: failed to enumerate USB devices: %v", model.ErrConnection, err)
	}

	var chosen *gousb.Device
	var iface tmcInterface
	var seen []string
	for _, dev := range devices {
		if chosen != nil {
			dev.Close()
			continue
		}
		serial, serr := dev.SerialNumber()
		if serr != nil {
			uc.logger.Debug("Failed to read USB serial number", zap.Error(serr))
		}
		resource := usbtmc.ResourceString(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product), serial)
		seen = append(seen, resource)
		if !strings.Contains(resource, uc.config.SerialNumber) {
			dev.Close()
			continue
		}
		chosen = dev
		iface, _ = findTMCInterface(dev.Desc)
		uc.resource = resource
	}

	if chosen == nil {
		return nil, tmcInterface{}, fmt.Errorf("%w: no USB resource matching serial number %q (found %v)",
			model.ErrConnection, uc.config.SerialNumber, seen)
	}
	return chosen, iface, nil
}
