// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"labinstr/internal/model"
)

// Channel is one open medium to one instrument
type Channel interface {
	// Connection lifecycle
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	// Write sends payload verbatim. Read performs one low-level receive
	// bounded by the deadline of ctx and returns model.ErrTimeout when
	// nothing arrives.
	Write(ctx context.Context, payload []byte) error
	Read(ctx context.Context) ([]byte, error)

	// Protocol information
	Type() model.ConnectionType
	Stats() ProtocolStats
}

// MessageOriented is implemented by channels whose Read always returns one
// complete response (GPIB, USBTMC).
type MessageOriented interface {
	MessageOriented() bool
}

// StatusReader is implemented by channels that can serial-poll the device.
type StatusReader interface {
	ReadStatusByte(ctx context.Context) (byte, error)
}

// LocalReturner is implemented by channels that can release the device to
// front-panel control.
type LocalReturner interface {
	ReturnToLocal(ctx context.Context) error
}

// Clearer is implemented by channels that can send a selected device
// clear.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Purger is implemented by channels with OS-level buffers that may be
// discarded.
type Purger interface {
	Purge() error
}

// ProtocolStats provides protocol-level statistics
type ProtocolStats struct {
	BytesWritten   int64         `json:"bytes_written"`
	BytesRead      int64         `json:"bytes_read"`
	OperationCount int64         `json:"operation_count"`
	ErrorCount     int64         `json:"error_count"`
	LastActivity   time.Time     `json:"last_activity"`
	AverageLatency time.Duration `json:"average_latency"`
	IsConnected    bool          `json:"is_connected"`
}

// statsRecorder is embedded by every channel.
type statsRecorder struct {
	mu    sync.Mutex
	stats ProtocolStats
}

func (s *statsRecorder) Stats() ProtocolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *statsRecorder) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.IsConnected = v
	s.stats.LastActivity = time.Now()
}

func (s *statsRecorder) recordWrite(n int, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesWritten += int64(n)
	s.record(started)
}

func (s *statsRecorder) recordRead(n int, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesRead += int64(n)
	s.record(started)
}

func (s *statsRecorder) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ErrorCount++
}

// record updates the running average latency
func (s *statsRecorder) record(started time.Time) {
	latency := time.Since(started)
	s.stats.OperationCount++
	s.stats.LastActivity = time.Now()
	if s.stats.AverageLatency == 0 {
		s.stats.AverageLatency = latency
	} else {
		s.stats.AverageLatency = (s.stats.AverageLatency + latency) / 2
	}
}

// DecodeStatusByte expands a GPIB status byte into its bits, bit 0 at
// index 0.
func DecodeStatusByte(b byte) [8]bool {
	var bits [8]bool
	for i := range bits {
		bits[i] = b&(1<<i) != 0
	}
	return bits
}

// deadline picks the deadline of ctx, or now+fallback when ctx has none.
// The zero time means no deadline.
func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	if fallback > 0 {
		return time.Now().Add(fallback)
	}
	return time.Time{}
}

// ioError classifies a medium error into the shared taxonomy.
func ioError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrTimeout) || errors.Is(err, model.ErrTransport) ||
		errors.Is(err, model.ErrConnection) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, model.ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: %w: connection closed by peer", op, model.ErrTransport)
	}
	return fmt.Errorf("%s: %w: %v", op, model.ErrTransport, err)
}

func notOpen(name string) error {
	return fmt.Errorf("%w: %s connection not open", model.ErrTransport, name)
}
