package protocol

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"labinstr/internal/model"
	"labinstr/internal/protocol/vxi11/vxi11test"
)

func openVXI11(t *testing.T) (*VXI11Connection, *vxi11test.Server) {
	t.Helper()
	srv, err := vxi11test.NewServer()
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	vc := NewVXI11Connection(GPIBConfig{Gateway: srv.Host(), Address: 22, Port: srv.CorePort()}, time.Second, zap.NewNop())
	require.NoError(t, vc.Open(context.Background()))
	t.Cleanup(func() { _ = vc.Close() })
	return vc, srv
}

func TestVXI11QueryReturnsToLocal(t *testing.T) {
	vc, srv := openVXI11(t)
	srv.SetHandler(func(msg []byte) []byte {
		if string(msg) == "*IDN?\n" {
			return []byte("HEWLETT-PACKARD,34401A,0,11-5-2\n")
		}
		return nil
	})

	assert.Equal(t, []string{"gpib0,22"}, srv.Devices())
	require.NoError(t, vc.Write(context.Background(), []byte("*IDN?\n")))
	got, err := vc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HEWLETT-PACKARD,34401A,0,11-5-2\n", string(got))
	assert.Equal(t, 1, srv.LocalCalls())
	assert.True(t, vc.MessageOriented())
	assert.Equal(t, model.ConnectionTypeGPIB, vc.Type())
}

func TestVXI11ReadTimeout(t *testing.T) {
	vc, _ := openVXI11(t)
	_, err := vc.Read(context.Background())
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestVXI11StatusClearLocal(t *testing.T) {
	vc, srv := openVXI11(t)
	srv.SetStatusByte(0x50)

	stb, err := vc.ReadStatusByte(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(0x50), stb)

	require.NoError(t, vc.Clear(context.Background()))
	assert.Equal(t, 1, srv.ClearCalls())

	require.NoError(t, vc.ReturnToLocal(context.Background()))
	assert.Equal(t, 1, srv.LocalCalls())
}

func TestVXI11CloseDestroysLink(t *testing.T) {
	vc, srv := openVXI11(t)
	require.NoError(t, vc.Close())
	assert.Equal(t, 1, srv.DestroyCalls())
	assert.False(t, vc.IsOpen())
	assert.NoError(t, vc.Close())
}

func TestVXI11OpenFailure(t *testing.T) {
	srv, err := vxi11test.NewServer()
	require.NoError(t, err)
	defer srv.Close()
	srv.SetCreateLinkError(3)

	vc := NewVXI11Connection(GPIBConfig{Gateway: srv.Host(), Address: 5, Port: srv.CorePort()}, time.Second, zap.NewNop())
	assert.ErrorIs(t, vc.Open(context.Background()), model.ErrConnection)
	assert.False(t, vc.IsOpen())
}

// prologixServer emulates a Prologix controller on loopback.
type prologixServer struct {
	mu      sync.Mutex
	lines   []string
	replies []string
	addr    *net.TCPAddr
}

func newPrologixServer(t *testing.T) *prologixServer {
	ps := &prologixServer{}
	ps.addr = listen(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			ps.mu.Lock()
			ps.lines = append(ps.lines, line)
			var reply string
			switch line {
			case "++read eoi\n":
				if len(ps.replies) > 0 {
					reply = ps.replies[0]
					ps.replies = ps.replies[1:]
				}
			case "++spoll\n":
				reply = "66\n"
			}
			ps.mu.Unlock()
			if reply != "" {
				_, _ = conn.Write([]byte(reply))
			}
		}
	})
	return ps
}

func (ps *prologixServer) received() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.lines...)
}

func (ps *prologixServer) queue(reply string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.replies = append(ps.replies, reply)
}

func openPrologix(t *testing.T, ps *prologixServer) *PrologixConnection {
	t.Helper()
	pc := NewPrologixConnection(GPIBConfig{Gateway: "127.0.0.1", Address: 9, Port: ps.addr.Port}, 500*time.Millisecond, zap.NewNop())
	require.NoError(t, pc.Open(context.Background()))
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestPrologixOpenConfiguresController(t *testing.T) {
	ps := newPrologixServer(t)
	pc := openPrologix(t, ps)
	require.NoError(t, pc.Write(context.Background(), []byte("*RST\n")))

	assert.Eventually(t, func() bool { return len(ps.received()) == 10 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"++savecfg 0\n",
		"++mode 1\n",
		"++addr 9\n",
		"++auto 0\n",
		"++eoi 1\n",
		"++eos 3\n",
		"++eot_enable 0\n",
		"++read_tmo_ms 500\n",
		"*RST\x1b\n",
		"\n",
	}, ps.received())
}

func TestPrologixQuery(t *testing.T) {
	ps := newPrologixServer(t)
	ps.queue("+1.234E-03\n")
	pc := openPrologix(t, ps)

	require.NoError(t, pc.Write(context.Background(), []byte("MEAS?\n")))
	got, err := pc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "+1.234E-03\n", string(got))

	assert.Eventually(t, func() bool {
		lines := ps.received()
		return len(lines) >= 2 && lines[len(lines)-2] == "++read eoi\n" && lines[len(lines)-1] == "++loc\n"
	}, time.Second, 10*time.Millisecond)

	stb, err := pc.ReadStatusByte(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(66), stb)
	assert.Equal(t, [8]bool{false, true, false, false, false, false, true, false}, DecodeStatusByte(stb))
}

func TestPrologixReadBlockContainingLF(t *testing.T) {
	ps := newPrologixServer(t)
	ps.queue("#14\x00\x0a\x00\x05\n")
	ps.queue("+0\n")
	pc := openPrologix(t, ps)

	got, err := pc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("#14\x00\x0a\x00\x05\n"), got)

	// nothing of the block is left over for the next response
	got, err = pc.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "+0\n", string(got))
}

func TestPrologixReadTimeout(t *testing.T) {
	ps := newPrologixServer(t)
	pc := openPrologix(t, ps)

	_, err := pc.Read(context.Background())
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestPrologixLocalAndClear(t *testing.T) {
	ps := newPrologixServer(t)
	pc := openPrologix(t, ps)

	require.NoError(t, pc.ReturnToLocal(context.Background()))
	require.NoError(t, pc.Clear(context.Background()))
	assert.Eventually(t, func() bool {
		lines := ps.received()
		return len(lines) >= 2 && lines[len(lines)-2] == "++loc\n" && lines[len(lines)-1] == "++clr\n"
	}, time.Second, 10*time.Millisecond)
}

func TestEscapePrologix(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("*IDN?\r\n"), "*IDN?\x1b\r\x1b\n\n"},
		{[]byte("VOLT +5\n"), "VOLT \x1b+5\x1b\n\n"},
		{[]byte("A\rB\x1b"), "A\x1b\rB\x1b\x1b\n"},
		{[]byte{0x01, 0x0A}, "\x01\x1b\n\n"},
		{nil, "\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(escapePrologix(tt.in)), "%q", tt.in)
	}
}

func TestNewGPIBConnectionFlavor(t *testing.T) {
	_, err := NewGPIBConnection(GPIBConfig{Gateway: "gw", Flavor: "nope"}, time.Second, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
