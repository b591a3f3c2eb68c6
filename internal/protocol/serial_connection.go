// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/model"
)

var parities = map[string]serial.Parity{
	"none":  serial.NoParity,
	"n":     serial.NoParity,
	"odd":   serial.OddParity,
	"o":     serial.OddParity,
	"even":  serial.EvenParity,
	"e":     serial.EvenParity,
	"mark":  serial.MarkParity,
	"m":     serial.MarkParity,
	"space": serial.SpaceParity,
	"s":     serial.SpaceParity,
}

// serialPort is the part of serial.Port used by SerialConnection.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

type serialOpener func(name string, mode *serial.Mode) (serialPort, error)

func openSerialPort(name string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(name, mode)
}

// SerialConnection implements Channel for RS-232 instruments
type SerialConnection struct {
	statsRecorder

	config  SerialConfig
	timeout time.Duration
	open    serialOpener
	port    serialPort
	logger  *zap.Logger
	mutex   sync.RWMutex
	isOpen  bool
	// settle is set by Write and consumed by the next Read.
	settle bool
}

// NewSerialConnection creates a new serial connection
func NewSerialConnection(config SerialConfig, timeout time.Duration, logger *zap.Logger) *SerialConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialConnection{
		config:  config,
		timeout: timeout,
		open:    openSerialPort,
		logger: logger.With(
			zap.String("protocol", "serial"),
			zap.String("port", config.Port),
		),
	}
}

func (sc *SerialConnection) mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: sc.config.BaudRate,
		DataBits: sc.config.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch sc.config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, configError("invalid stop bits: %g", sc.config.StopBits)
	}

	parity := strings.ToLower(sc.config.Parity)
	if parity == "" {
		parity = "none"
	}
	p, ok := parities[parity]
	if !ok {
		return nil, configError("invalid parity: %s", sc.config.Parity)
	}
	mode.Parity = p
	return mode, nil
}

// Open opens the serial connection
func (sc *SerialConnection) Open(ctx context.Context) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.isOpen {
		return nil
	}

	sc.logger.Info("Opening serial port",
		zap.Int("baud_rate", sc.config.BaudRate),
		zap.Int("data_bits", sc.config.DataBits),
		zap.String("parity", sc.config.Parity),
	)

	mode, err := sc.mode()
	if err != nil {
		return err
	}

	port, err := sc.open(sc.config.Port, mode)
	if err != nil {
		sc.logger.Error("Failed to open serial port", zap.Error(err))
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortBusy {
			return fmt.Errorf("%w: serial port %s is busy", model.ErrConnection, sc.config.Port)
		}
		return fmt.Errorf("%w: failed to open serial port %s: %v", model.ErrConnection, sc.config.Port, err)
	}

	sc.port = port
	sc.isOpen = true
	sc.setConnected(true)

	sc.logger.Info("Serial port opened successfully")
	return nil
}

// Close closes the serial connection
func (sc *SerialConnection) Close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if sc.port == nil {
		sc.isOpen = false
		return nil
	}

	err := sc.port.Close()
	sc.port = nil
	sc.isOpen = false
	sc.setConnected(false)

	if err != nil {
		sc.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("%w: failed to close serial port: %v", model.ErrTransport, err)
	}
	sc.logger.Info("Serial port closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (sc *SerialConnection) IsOpen() bool {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.isOpen && sc.port != nil
}

// Purge discards both OS buffers.
func (sc *SerialConnection) Purge() error {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()

	if !sc.isOpen || sc.port == nil {
		return notOpen("serial")
	}
	return sc.purge()
}

func (sc *SerialConnection) purge() error {
	if err := multierr.Combine(sc.port.ResetInputBuffer(), sc.port.ResetOutputBuffer()); err != nil {
		return fmt.Errorf("%w: failed to purge serial buffers: %v", model.ErrTransport, err)
	}
	return nil
}

// Write purges the port buffers, then writes data
func (sc *SerialConnection) Write(ctx context.Context, data []byte) error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return notOpen("serial")
	}
	if err := ctx.Err(); err != nil {
		return ioError("serial write", err)
	}

	if err := sc.purge(); err != nil {
		sc.recordError()
		return err
	}

	startTime := time.Now()
	n, err := sc.port.Write(data)
	if err != nil {
		sc.recordError()
		sc.logger.Error("Serial write failed", zap.Error(err))
		return ioError("serial write", err)
	}
	if n != len(data) {
		sc.recordError()
		return fmt.Errorf("%w: incomplete write: wrote %d of %d bytes", model.ErrTransport, n, len(data))
	}

	sc.settle = true
	sc.recordWrite(n, startTime)
	sc.logger.Debug("Serial write completed", zap.Int("bytes", n))
	return nil
}

// Read waits the settle delay after a write, then performs one receive
// bounded by the remaining deadline
func (sc *SerialConnection) Read(ctx context.Context) ([]byte, error) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	if !sc.isOpen || sc.port == nil {
		return nil, notOpen("serial")
	}

	if sc.settle && sc.config.SettleDelay > 0 {
		sc.settle = false
		timer := time.NewTimer(sc.config.SettleDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ioError("serial read", ctx.Err())
		}
	}

	wait := serial.NoTimeout
	if dl := deadline(ctx, sc.timeout); !dl.IsZero() {
		wait = time.Until(dl)
		if wait <= 0 {
			return nil, fmt.Errorf("serial read: %w", model.ErrTimeout)
		}
	}
	if err := sc.port.SetReadTimeout(wait); err != nil {
		return nil, ioError("serial read", err)
	}

	startTime := time.Now()
	buffer := make([]byte, DefaultReadSize)
	n, err := sc.port.Read(buffer)
	if err != nil {
		sc.recordError()
		return nil, ioError("serial read", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("serial read: %w: no data within %s", model.ErrTimeout, wait)
	}

	sc.recordRead(n, startTime)
	sc.logger.Debug("Serial read completed", zap.Int("bytes", n))
	return buffer[:n], nil
}

// Type returns the protocol type
func (sc *SerialConnection) Type() model.ConnectionType {
	return model.ConnectionTypeSerial
}
