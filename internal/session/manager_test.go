package session

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/instrument"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
	"labinstr/pkg/driver"
)

// bench answers *IDN? with an identity and everything else with a number.
// BYE makes it hang up.
type bench struct {
	addr *net.TCPAddr
}

func newBench(t *testing.T) *bench {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	b := &bench{addr: l.Addr().(*net.TCPAddr)}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go b.handle(conn)
		}
	}()
	return b
}

func (b *bench) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		switch strings.TrimSpace(line) {
		case "*IDN?":
			_, _ = conn.Write([]byte("ACME,DMM-1,42,1.0\n"))
		case "BYE":
			return
		default:
			_, _ = conn.Write([]byte("+1.5\n"))
		}
	}
}

type table map[string]protocol.ConnectionConfig

func (t table) Lookup(id string) (protocol.ConnectionConfig, error) {
	cfg, ok := t[id]
	if !ok {
		return protocol.ConnectionConfig{}, model.ErrConfiguration
	}
	return cfg, nil
}

func (t table) Info(id string) (model.InstrumentInfo, error) {
	cfg, err := t.Lookup(id)
	return model.InstrumentInfo{ID: id, ConnectionType: cfg.Type}, err
}

func newManager(t *testing.T, b *bench) (*Manager, *atomic.Int32) {
	t.Helper()
	opens := &atomic.Int32{}
	tbl := table{"dmm-1": {
		Type:       model.ConnectionTypeTCP,
		TCP:        &protocol.TCPConfig{Host: "127.0.0.1", Port: b.addr.Port},
		Terminator: "\n",
		Timeout:    time.Second,
	}}
	m := NewManager(tbl, nil, WithOpener(func(ctx context.Context, id string, cfg protocol.ConnectionConfig) (*instrument.Instrument, error) {
		opens.Add(1)
		return instrument.New(ctx, cfg, instrument.WithID(id))
	}))
	t.Cleanup(func() { _ = m.CloseAll() })
	return m, opens
}

func TestWithOpensLazilyOnce(t *testing.T) {
	b := newBench(t)
	m, opens := newManager(t, b)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := m.With(ctx, "DMM-1", func(inst *instrument.Instrument) error {
			v, err := inst.QueryFloat(ctx, "MEAS?")
			assert.Equal(t, 1.5, v)
			return err
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), opens.Load())

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Open)
	assert.Positive(t, sessions[0].Stats.BytesRead)
	assert.Positive(t, sessions[0].Stats.OperationCount)
}

func TestWithSerialisesCallers(t *testing.T) {
	b := newBench(t)
	m, _ := newManager(t, b)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.With(ctx, "dmm-1", func(inst *instrument.Instrument) error {
				if inFlight.Add(1) > 1 {
					overlap.Store(true)
				}
				defer inFlight.Add(-1)
				time.Sleep(2 * time.Millisecond)
				_, err := inst.Query(ctx, "MEAS?")
				return err
			}))
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}

func TestUnknownInstrument(t *testing.T) {
	b := newBench(t)
	m, opens := newManager(t, b)

	err := m.With(context.Background(), "scope-9", func(*instrument.Instrument) error { return nil })
	assert.ErrorIs(t, err, model.ErrConfiguration)
	assert.Zero(t, opens.Load())
}

func TestBrokenSessionReopens(t *testing.T) {
	b := newBench(t)
	m, opens := newManager(t, b)
	ctx := context.Background()

	err := m.With(ctx, "dmm-1", func(inst *instrument.Instrument) error {
		require.NoError(t, inst.Send(ctx, "BYE"))
		_, err := inst.Receive(ctx)
		return err
	})
	require.ErrorIs(t, err, model.ErrTransport)
	assert.False(t, m.Sessions()[0].Open)

	require.NoError(t, m.With(ctx, "dmm-1", func(inst *instrument.Instrument) error {
		_, err := inst.Identify(ctx)
		return err
	}))
	assert.Equal(t, int32(2), opens.Load())
}

func TestWithDriverAndClose(t *testing.T) {
	b := newBench(t)
	m, opens := newManager(t, b)
	ctx := context.Background()

	var identity *driver.Identity
	require.NoError(t, m.WithDriver(ctx, "dmm-1", func(d driver.Driver) error {
		var err error
		identity, err = d.Identify(ctx)
		return err
	}))
	assert.Equal(t, "ACME", identity.Manufacturer)
	assert.Equal(t, "DMM-1", identity.Model)

	require.NoError(t, m.Close("dmm-1"))
	require.NoError(t, m.Close("dmm-1"))
	require.NoError(t, m.Close("never-opened"))
	assert.False(t, m.Sessions()[0].Open)

	require.NoError(t, m.With(ctx, "dmm-1", func(*instrument.Instrument) error { return nil }))
	assert.Equal(t, int32(2), opens.Load())
}

func TestCloseIdle(t *testing.T) {
	b := newBench(t)
	m, _ := newManager(t, b)
	ctx := context.Background()

	require.NoError(t, m.With(ctx, "dmm-1", func(*instrument.Instrument) error { return nil }))
	assert.Zero(t, m.CloseIdle(time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, m.CloseIdle(10*time.Millisecond))
}

func TestSessionsDoesNotWaitForTransaction(t *testing.T) {
	b := newBench(t)
	m, _ := newManager(t, b)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.With(ctx, "dmm-1", func(*instrument.Instrument) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	listed := make(chan []Info, 1)
	go func() { listed <- m.Sessions() }()

	select {
	case sessions := <-listed:
		require.Len(t, sessions, 1)
		assert.True(t, sessions[0].Open)
	case <-time.After(time.Second):
		t.Fatal("Sessions blocked behind a transaction")
	}

	close(release)
	require.NoError(t, <-done)
}
