// internal/protocol/tcp_connection.go
package protocol

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"labinstr/internal/model"
)

// TCPConnection implements Channel for raw socket instruments
type TCPConnection struct {
	statsRecorder

	config  TCPConfig
	timeout time.Duration
	conn    net.Conn
	logger  *zap.Logger
	mutex   sync.RWMutex
	isOpen  bool
}

// NewTCPConnection creates a new TCP connection
func NewTCPConnection(config TCPConfig, timeout time.Duration, logger *zap.Logger) *TCPConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultReadSize
	}
	return &TCPConnection{
		config:  config,
		timeout: timeout,
		logger: logger.With(
			zap.String("protocol", "tcp"),
			zap.String("host", config.Host),
			zap.Int("port", config.Port),
		),
	}
}

func (tc *TCPConnection) address() string {
	return net.JoinHostPort(tc.config.Host, strconv.Itoa(tc.config.Port))
}

// Open opens the TCP connection
func (tc *TCPConnection) Open(ctx context.Context) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.isOpen {
		return nil
	}
	return tc.dial(ctx)
}

func (tc *TCPConnection) dial(ctx context.Context) error {
	tc.logger.Info("Opening TCP connection")

	dialer := &net.Dialer{Timeout: tc.timeout}
	if tc.config.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	}

	conn, err := dialer.DialContext(ctx, "tcp", tc.address())
	if err != nil {
		tc.logger.Error("Failed to open TCP connection", zap.Error(err))
		return fmt.Errorf("%w: failed to connect to %s: %v", model.ErrConnection, tc.address(), err)
	}

	tc.conn = conn
	tc.isOpen = true
	tc.setConnected(true)

	tc.logger.Info("TCP connection opened successfully")
	return nil
}

// Reopen closes the socket and dials again.
func (tc *TCPConnection) Reopen(ctx context.Context) error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.conn != nil {
		_ = tc.conn.Close()
		tc.conn = nil
		tc.isOpen = false
	}
	return tc.dial(ctx)
}

// Close closes the TCP connection
func (tc *TCPConnection) Close() error {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()

	if tc.conn == nil {
		tc.isOpen = false
		return nil
	}

	err := tc.conn.Close()
	tc.conn = nil
	tc.isOpen = false
	tc.setConnected(false)

	if err != nil {
		tc.logger.Error("Failed to close TCP connection", zap.Error(err))
		return fmt.Errorf("%w: failed to close TCP connection: %v", model.ErrTransport, err)
	}
	tc.logger.Info("TCP connection closed successfully")
	return nil
}

// IsOpen returns whether the connection is open
func (tc *TCPConnection) IsOpen() bool {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()
	return tc.isOpen && tc.conn != nil
}

// Write writes data to the TCP connection
func (tc *TCPConnection) Write(ctx context.Context, data []byte) error {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if !tc.isOpen || tc.conn == nil {
		return notOpen("TCP")
	}
	if err := ctx.Err(); err != nil {
		return ioError("TCP write", err)
	}

	_ = tc.conn.SetWriteDeadline(deadline(ctx, tc.timeout))
	stop := context.AfterFunc(ctx, func() { _ = tc.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	startTime := time.Now()
	n, err := tc.conn.Write(data)
	if err != nil {
		tc.recordError()
		tc.logger.Error("TCP write failed", zap.Error(err))
		return ioError("TCP write", err)
	}
	if n != len(data) {
		tc.recordError()
		return fmt.Errorf("%w: incomplete write: wrote %d of %d bytes", model.ErrTransport, n, len(data))
	}

	tc.recordWrite(n, startTime)
	tc.logger.Debug("TCP write completed", zap.Int("bytes", n))
	return nil
}

// Read performs one receive of up to BufferSize bytes
func (tc *TCPConnection) Read(ctx context.Context) ([]byte, error) {
	tc.mutex.RLock()
	defer tc.mutex.RUnlock()

	if !tc.isOpen || tc.conn == nil {
		return nil, notOpen("TCP")
	}
	if err := ctx.Err(); err != nil {
		return nil, ioError("TCP read", err)
	}

	_ = tc.conn.SetReadDeadline(deadline(ctx, tc.timeout))
	stop := context.AfterFunc(ctx, func() { _ = tc.conn.SetReadDeadline(time.Now()) })
	defer stop()

	startTime := time.Now()
	buffer := make([]byte, tc.config.BufferSize)
	n, err := tc.conn.Read(buffer)
	if n > 0 {
		tc.recordRead(n, startTime)
		tc.logger.Debug("TCP read completed", zap.Int("bytes", n))
		return buffer[:n], nil
	}
	if err == nil {
		return nil, fmt.Errorf("TCP read: %w: no data", model.ErrTimeout)
	}
	tc.recordError()
	return nil, ioError("TCP read", err)
}

// Type returns the protocol type
func (tc *TCPConnection) Type() model.ConnectionType {
	return model.ConnectionTypeTCP
}
