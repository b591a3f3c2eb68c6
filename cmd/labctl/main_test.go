package main

import (
	"bufio"
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/config"
	"labinstr/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		Defaults: config.DefaultsConfig{Timeout: time.Second, SettleDelay: 10 * time.Millisecond},
		Instruments: map[string]config.InstrumentConfig{
			"scope": {Interface: "ethernet", IPAddress: "10.0.0.5", Port: 5025},
		},
	}
}

func TestResolveSelection(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name    string
		target  target
		want    model.ConnectionType
		wantErr error
	}{
		{name: "address table", target: target{id: "SCOPE"}, want: model.ConnectionTypeTCP},
		{name: "tcp flag", target: target{tcp: "127.0.0.1:5025"}, want: model.ConnectionTypeTCP},
		{name: "gpib flag", target: target{gpib: "gw.lab/7", flavor: "prologix"}, want: model.ConnectionTypeGPIB},
		{name: "serial flag", target: target{serial: "/dev/ttyUSB0", baud: 115200}, want: model.ConnectionTypeSerial},
		{name: "usb flag", target: target{usb: "MY123"}, want: model.ConnectionTypeUSB},
		{name: "nothing selected", target: target{}, wantErr: model.ErrConfiguration},
		{name: "two transports", target: target{tcp: "a:1", usb: "x"}, wantErr: model.ErrConfiguration},
		{name: "id and transport", target: target{id: "scope", tcp: "a:1"}, wantErr: model.ErrConfiguration},
		{name: "bad gpib", target: target{gpib: "gw.lab"}, wantErr: model.ErrConfiguration},
		{name: "unknown id", target: target{id: "nope"}, wantErr: model.ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, conn, err := tt.target.resolve(cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, conn.Type)
			assert.Equal(t, time.Second, conn.Timeout)
		})
	}
}

func TestResolveOverrides(t *testing.T) {
	tg := target{id: "scope", term: "CRLF", timeout: 3 * time.Second}
	id, conn, err := tg.resolve(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "scope", id)
	assert.Equal(t, "CRLF", conn.Terminator)
	assert.Equal(t, 3*time.Second, conn.Timeout)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(model.ErrConfiguration))
	assert.Equal(t, 3, exitCode(model.ErrConnection))
	assert.Equal(t, 4, exitCode(model.ErrTimeout))
	assert.Equal(t, 5, exitCode(model.ErrMalformedBlock))
	assert.Equal(t, 1, exitCode(model.ErrTransport))
}

func TestQueryCommand(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
			conn.Write([]byte("+2.50E+00\n"))
		}
	}()

	var out bytes.Buffer
	addr := "127.0.0.1:" + strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
	err = runQuery([]string{"-tcp", addr, "-term", "LF", "-as", "float", "MEAS:VOLT?"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "2.5\n", out.String())
}

func TestQueryRequiresCommand(t *testing.T) {
	err := runQuery([]string{"-tcp", "127.0.0.1:1"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}
