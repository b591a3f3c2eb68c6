package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"labinstr/internal/model"
)

// fakePort records calls and answers reads from a queue.
type fakePort struct {
	mu          sync.Mutex
	calls       []string
	written     []byte
	replies     [][]byte
	readTimeout time.Duration
	lastWrite   time.Time
	firstRead   time.Time
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "read")
	if p.firstRead.IsZero() {
		p.firstRead = time.Now()
	}
	if len(p.replies) == 0 {
		return 0, nil
	}
	n := copy(b, p.replies[0])
	p.replies = p.replies[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "write")
	p.written = append(p.written, b...)
	p.lastWrite = time.Now()
	return len(b), nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "reset-in")
	return nil
}

func (p *fakePort) ResetOutputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "reset-out")
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error { return nil }

func openSerial(t *testing.T, port *fakePort, settle time.Duration) *SerialConnection {
	t.Helper()
	sc := NewSerialConnection(SerialConfig{Port: "COM7", BaudRate: 9600, SettleDelay: settle}, time.Second, zap.NewNop())
	sc.open = func(name string, mode *serial.Mode) (serialPort, error) {
		assert.Equal(t, "COM7", name)
		assert.Equal(t, 9600, mode.BaudRate)
		assert.Equal(t, 8, mode.DataBits)
		assert.Equal(t, serial.NoParity, mode.Parity)
		return port, nil
	}
	require.NoError(t, sc.Open(context.Background()))
	return sc
}

func TestSerialWritePurgesFirst(t *testing.T) {
	port := &fakePort{}
	sc := openSerial(t, port, 0)

	require.NoError(t, sc.Write(context.Background(), []byte("OUTP ON\r")))
	assert.Equal(t, []string{"reset-in", "reset-out", "write"}, port.calls)
	assert.Equal(t, "OUTP ON\r", string(port.written))
}

func TestSerialReadWaitsSettleDelay(t *testing.T) {
	port := &fakePort{replies: [][]byte{[]byte("1.25\r")}}
	sc := openSerial(t, port, 50*time.Millisecond)

	require.NoError(t, sc.Write(context.Background(), []byte("MEAS?\r")))
	got, err := sc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.25\r", string(got))
	assert.GreaterOrEqual(t, port.firstRead.Sub(port.lastWrite), 50*time.Millisecond)
	assert.Greater(t, port.readTimeout, time.Duration(0))
	assert.LessOrEqual(t, port.readTimeout, time.Second)
}

func TestSerialReadTimeout(t *testing.T) {
	port := &fakePort{}
	sc := openSerial(t, port, 0)

	_, err := sc.Read(context.Background())
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestSerialReadExpiredContext(t *testing.T) {
	port := &fakePort{replies: [][]byte{[]byte("x")}}
	sc := openSerial(t, port, 0)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()
	_, err := sc.Read(ctx)
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestSerialOpenBusy(t *testing.T) {
	sc := NewSerialConnection(SerialConfig{Port: "COM9", BaudRate: 9600}, time.Second, nil)
	sc.open = func(string, *serial.Mode) (serialPort, error) {
		return nil, &serial.PortError{}
	}
	err := sc.Open(context.Background())
	assert.ErrorIs(t, err, model.ErrConnection)
	assert.False(t, sc.IsOpen())
}

func TestSerialMode(t *testing.T) {
	sc := NewSerialConnection(SerialConfig{Port: "COM1", BaudRate: 19200, DataBits: 7, StopBits: 2, Parity: "even"}, time.Second, nil)
	mode, err := sc.mode()
	require.NoError(t, err)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	sc.config.StopBits = 3
	_, err = sc.mode()
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestSerialPurgeNotOpen(t *testing.T) {
	sc := NewSerialConnection(SerialConfig{Port: "COM1"}, time.Second, nil)
	assert.ErrorIs(t, sc.Purge(), model.ErrTransport)
}
