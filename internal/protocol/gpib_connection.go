// internal/protocol/gpib_connection.go
package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"labinstr/internal/block"
	"labinstr/internal/model"
	"labinstr/internal/protocol/vxi11"
)

// NewGPIBConnection returns the channel for the configured gateway flavor.
func NewGPIBConnection(config GPIBConfig, timeout time.Duration, logger *zap.Logger) (Channel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch config.Flavor {
	case "", model.GatewayVXI11:
		return NewVXI11Connection(config, timeout, logger), nil
	case model.GatewayPrologix:
		return NewPrologixConnection(config, timeout, logger), nil
	default:
		return nil, configError("unsupported gateway flavor: %s", config.Flavor)
	}
}

// VXI11Connection implements Channel for an instrument behind a VXI-11
// LAN/GPIB gateway. Every read is followed by device_local so the front
// panel stays usable between transactions.
type VXI11Connection struct {
	statsRecorder

	config  GPIBConfig
	timeout time.Duration
	client  *vxi11.Client
	logger  *zap.Logger
	mutex   sync.RWMutex
	isOpen  bool
}

// NewVXI11Connection creates a new VXI-11 connection
func NewVXI11Connection(config GPIBConfig, timeout time.Duration, logger *zap.Logger) *VXI11Connection {
	if config.Interface == "" {
		config.Interface = "gpib0"
	}
	return &VXI11Connection{
		config:  config,
		timeout: timeout,
		logger: logger.With(
			zap.String("protocol", "vxi11"),
			zap.String("gateway", config.Gateway),
			zap.Int("gpib_address", config.Address),
		),
	}
}

func (vc *VXI11Connection) device() string {
	return fmt.Sprintf("%s,%d", vc.config.Interface, vc.config.Address)
}

// Open creates the link on the gateway
func (vc *VXI11Connection) Open(ctx context.Context) error {
	vc.mutex.Lock()
	defer vc.mutex.Unlock()

	if vc.isOpen {
		return nil
	}

	vc.logger.Info("Opening VXI-11 link", zap.String("device", vc.device()))

	client, err := vxi11.Dial(ctx, vc.config.Gateway, vc.device(), vxi11.Options{
		Port:        vc.config.Port,
		Timeout:     vc.timeout,
		LockTimeout: vc.timeout,
	})
	if err != nil {
		vc.logger.Error("Failed to open VXI-11 link", zap.Error(err))
		return fmt.Errorf("%w: failed to link %s on %s: %v", model.ErrConnection, vc.device(), vc.config.Gateway, err)
	}

	vc.client = client
	vc.isOpen = true
	vc.setConnected(true)

	vc.logger.Info("VXI-11 link opened successfully", zap.Int("max_recv_size", client.MaxRecvSize()))
	return nil
}

// Close destroys the link and closes the socket
func (vc *VXI11Connection) Close() error {
	vc.mutex.Lock()
	defer vc.mutex.Unlock()

	if vc.client == nil {
		vc.isOpen = false
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), vc.closeTimeout())
	defer cancel()
	err := multierr.Combine(vc.client.DestroyLink(ctx), vc.client.Close())
	vc.client = nil
	vc.isOpen = false
	vc.setConnected(false)

	if err != nil {
		vc.logger.Warn("VXI-11 link closed with errors", zap.Error(err))
		return fmt.Errorf("%w: failed to close VXI-11 link: %v", model.ErrTransport, err)
	}
	vc.logger.Info("VXI-11 link closed successfully")
	return nil
}

func (vc *VXI11Connection) closeTimeout() time.Duration {
	if vc.timeout > 0 {
		return vc.timeout
	}
	return DefaultTimeout
}

// IsOpen returns whether the link is open
func (vc *VXI11Connection) IsOpen() bool {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()
	return vc.isOpen && vc.client != nil
}

// MessageOriented reports that every Read returns one whole message.
func (vc *VXI11Connection) MessageOriented() bool { return true }

func (vc *VXI11Connection) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && vc.timeout > 0 {
		return context.WithTimeout(ctx, vc.timeout)
	}
	return context.WithCancel(ctx)
}

// Write sends data with END asserted on the last byte
func (vc *VXI11Connection) Write(ctx context.Context, data []byte) error {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()

	if !vc.isOpen || vc.client == nil {
		return notOpen("VXI-11")
	}
	ctx, cancel := vc.bounded(ctx)
	defer cancel()

	startTime := time.Now()
	if err := vc.client.DeviceWrite(ctx, data); err != nil {
		vc.recordError()
		vc.logger.Error("VXI-11 write failed", zap.Error(err))
		return ioError("VXI-11 write", err)
	}

	vc.recordWrite(len(data), startTime)
	vc.logger.Debug("VXI-11 write completed", zap.Int("bytes", len(data)))
	return nil
}

// Read returns one message, then returns the device to local
func (vc *VXI11Connection) Read(ctx context.Context) ([]byte, error) {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()

	if !vc.isOpen || vc.client == nil {
		return nil, notOpen("VXI-11")
	}
	ctx, cancel := vc.bounded(ctx)
	defer cancel()

	startTime := time.Now()
	data, err := vc.client.DeviceRead(ctx, -1)
	if err != nil {
		vc.recordError()
		return nil, ioError("VXI-11 read", err)
	}
	vc.recordRead(len(data), startTime)
	vc.logger.Debug("VXI-11 read completed", zap.Int("bytes", len(data)))

	if err := vc.client.Local(ctx); err != nil {
		vc.recordError()
		vc.logger.Warn("Failed to return device to local after read", zap.Error(err))
	}
	return data, nil
}

// ReadStatusByte performs a serial poll
func (vc *VXI11Connection) ReadStatusByte(ctx context.Context) (byte, error) {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()

	if !vc.isOpen || vc.client == nil {
		return 0, notOpen("VXI-11")
	}
	ctx, cancel := vc.bounded(ctx)
	defer cancel()

	stb, err := vc.client.ReadSTB(ctx)
	if err != nil {
		vc.recordError()
		return 0, ioError("VXI-11 serial poll", err)
	}
	return stb, nil
}

// ReturnToLocal releases the device to front-panel control
func (vc *VXI11Connection) ReturnToLocal(ctx context.Context) error {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()

	if !vc.isOpen || vc.client == nil {
		return notOpen("VXI-11")
	}
	ctx, cancel := vc.bounded(ctx)
	defer cancel()

	if err := vc.client.Local(ctx); err != nil {
		vc.recordError()
		return ioError("VXI-11 local", err)
	}
	return nil
}

// Clear sends a selected device clear
func (vc *VXI11Connection) Clear(ctx context.Context) error {
	vc.mutex.RLock()
	defer vc.mutex.RUnlock()

	if !vc.isOpen || vc.client == nil {
		return notOpen("VXI-11")
	}
	ctx, cancel := vc.bounded(ctx)
	defer cancel()

	if err := vc.client.Clear(ctx); err != nil {
		vc.recordError()
		return ioError("VXI-11 clear", err)
	}
	return nil
}

// Type returns the protocol type
func (vc *VXI11Connection) Type() model.ConnectionType {
	return model.ConnectionTypeGPIB
}

// Prologix escape character and the bytes that must be escaped in data.
const prologixEscape = 0x1B

// PrologixConnection implements Channel for a Prologix GPIB-Ethernet
// controller. Controller commands start with "++"; everything else is
// forwarded to the addressed instrument.
type PrologixConnection struct {
	statsRecorder

	config  GPIBConfig
	timeout time.Duration
	conn    net.Conn
	reader  *bufio.Reader
	logger  *zap.Logger
	mutex   sync.Mutex
	isOpen  bool
}

// NewPrologixConnection creates a new Prologix connection
func NewPrologixConnection(config GPIBConfig, timeout time.Duration, logger *zap.Logger) *PrologixConnection {
	if config.Port == 0 {
		config.Port = DefaultPrologixPort
	}
	return &PrologixConnection{
		config:  config,
		timeout: timeout,
		logger: logger.With(
			zap.String("protocol", "prologix"),
			zap.String("gateway", config.Gateway),
			zap.Int("gpib_address", config.Address),
		),
	}
}

// readTimeoutMillis is the inter-character timeout programmed into the
// controller, limited to its 1..3000 ms range.
func (pc *PrologixConnection) readTimeoutMillis() int64 {
	ms := pc.timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if ms > 3000 {
		ms = 3000
	}
	return ms
}

// Open connects to the controller and configures it for controller mode
func (pc *PrologixConnection) Open(ctx context.Context) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.isOpen {
		return nil
	}

	address := net.JoinHostPort(pc.config.Gateway, strconv.Itoa(pc.config.Port))
	pc.logger.Info("Opening Prologix connection", zap.String("address", address))

	dialer := &net.Dialer{Timeout: pc.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		pc.logger.Error("Failed to open Prologix connection", zap.Error(err))
		return fmt.Errorf("%w: failed to connect to %s: %v", model.ErrConnection, address, err)
	}
	pc.conn = conn
	pc.reader = bufio.NewReader(conn)

	cmds := []string{
		"savecfg 0",
		"mode 1",
		fmt.Sprintf("addr %d", pc.config.Address),
		"auto 0",
		"eoi 1",
		"eos 3",
		"eot_enable 0",
		fmt.Sprintf("read_tmo_ms %d", pc.readTimeoutMillis()),
	}
	for _, cmd := range cmds {
		if err := pc.command(ctx, cmd); err != nil {
			_ = conn.Close()
			pc.conn = nil
			pc.reader = nil
			return fmt.Errorf("%w: failed to configure controller (%s): %v", model.ErrConnection, cmd, err)
		}
	}

	pc.isOpen = true
	pc.setConnected(true)

	pc.logger.Info("Prologix connection opened successfully")
	return nil
}

// command sends one "++" controller command.
func (pc *PrologixConnection) command(ctx context.Context, cmd string) error {
	_ = pc.conn.SetWriteDeadline(deadline(ctx, pc.timeout))
	_, err := pc.conn.Write([]byte("++" + strings.TrimSpace(cmd) + "\n"))
	return err
}

// Close closes the controller connection
func (pc *PrologixConnection) Close() error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.conn == nil {
		pc.isOpen = false
		return nil
	}

	err := pc.conn.Close()
	pc.conn = nil
	pc.reader = nil
	pc.isOpen = false
	pc.setConnected(false)

	if err != nil {
		pc.logger.Error("Failed to close Prologix connection", zap.Error(err))
		return fmt.Errorf("%w: failed to close Prologix connection: %v", model.ErrTransport, err)
	}
	pc.logger.Info("Prologix connection closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (pc *PrologixConnection) IsOpen() bool {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()
	return pc.isOpen && pc.conn != nil
}

// MessageOriented reports that every Read returns one whole message.
func (pc *PrologixConnection) MessageOriented() bool { return true }

// escapePrologix escapes the bytes the controller would otherwise
// interpret and appends the LF that ends the controller line. Escaped CR
// and LF reach the instrument as data; with eos 3 the controller adds
// nothing else.
func escapePrologix(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	for _, b := range data {
		switch b {
		case '\r', '\n', prologixEscape, '+':
			out = append(out, prologixEscape)
		}
		out = append(out, b)
	}
	return append(out, '\n')
}

// Write forwards data to the addressed instrument
func (pc *PrologixConnection) Write(ctx context.Context, data []byte) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if !pc.isOpen || pc.conn == nil {
		return notOpen("Prologix")
	}

	_ = pc.conn.SetWriteDeadline(deadline(ctx, pc.timeout))
	startTime := time.Now()
	if _, err := pc.conn.Write(escapePrologix(data)); err != nil {
		pc.recordError()
		pc.logger.Error("Prologix write failed", zap.Error(err))
		return ioError("Prologix write", err)
	}

	pc.recordWrite(len(data), startTime)
	pc.logger.Debug("Prologix write completed", zap.Int("bytes", len(data)))
	return nil
}

// readLine reads up to and including the next LF.
func (pc *PrologixConnection) readLine(ctx context.Context) ([]byte, error) {
	_ = pc.conn.SetReadDeadline(deadline(ctx, pc.timeout))
	stop := context.AfterFunc(ctx, func() { _ = pc.conn.SetReadDeadline(time.Now()) })
	defer stop()
	return pc.reader.ReadBytes('\n')
}

// readMessage reads one response. A definite-length block may hold LF
// bytes in its data, so the announced length is read in full, followed by
// the NL that ends every response message.
func (pc *PrologixConnection) readMessage(ctx context.Context) ([]byte, error) {
	msg, err := pc.readLine(ctx)
	if err != nil {
		return nil, err
	}
	for missing := block.Missing(msg); missing > 0; missing = block.Missing(msg) {
		rest := make([]byte, missing)
		if _, err := io.ReadFull(pc.reader, rest); err != nil {
			return nil, err
		}
		msg = append(msg, rest...)

		tail, err := pc.readLine(ctx)
		if err != nil {
			return nil, err
		}
		msg = append(msg, tail...)
	}
	return msg, nil
}

// Read addresses the instrument to talk, reads until EOI and then returns
// the instrument to local
func (pc *PrologixConnection) Read(ctx context.Context) ([]byte, error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if !pc.isOpen || pc.conn == nil {
		return nil, notOpen("Prologix")
	}

	startTime := time.Now()
	if err := pc.command(ctx, "read eoi"); err != nil {
		pc.recordError()
		return nil, ioError("Prologix read", err)
	}
	msg, err := pc.readMessage(ctx)
	if err != nil {
		pc.recordError()
		return nil, ioError("Prologix read", err)
	}

	pc.recordRead(len(msg), startTime)
	pc.logger.Debug("Prologix read completed", zap.Int("bytes", len(msg)))

	if err := pc.command(ctx, "loc"); err != nil {
		pc.recordError()
		pc.logger.Warn("Failed to return device to local after read", zap.Error(err))
	}
	return msg, nil
}

// ReadStatusByte performs a serial poll
func (pc *PrologixConnection) ReadStatusByte(ctx context.Context) (byte, error) {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if !pc.isOpen || pc.conn == nil {
		return 0, notOpen("Prologix")
	}
	if err := pc.command(ctx, "spoll"); err != nil {
		pc.recordError()
		return 0, ioError("Prologix serial poll", err)
	}
	line, err := pc.readLine(ctx)
	if err != nil {
		pc.recordError()
		return 0, ioError("Prologix serial poll", err)
	}
	stb, err := strconv.ParseUint(strings.TrimSpace(string(line)), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected serial poll reply %q", model.ErrTransport, line)
	}
	return byte(stb), nil
}

// ReturnToLocal releases the device to front-panel control
func (pc *PrologixConnection) ReturnToLocal(ctx context.Context) error {
	return pc.controller(ctx, "loc")
}

// Clear sends a selected device clear
func (pc *PrologixConnection) Clear(ctx context.Context) error {
	return pc.controller(ctx, "clr")
}

func (pc *PrologixConnection) controller(ctx context.Context, cmd string) error {
	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if !pc.isOpen || pc.conn == nil {
		return notOpen("Prologix")
	}
	if err := pc.command(ctx, cmd); err != nil {
		pc.recordError()
		return ioError("Prologix "+cmd, err)
	}
	return nil
}

// Type returns the protocol type
func (pc *PrologixConnection) Type() model.ConnectionType {
	return model.ConnectionTypeGPIB
}
