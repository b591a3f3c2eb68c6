package framing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/model"
)

// scriptReader returns one chunk per call, then times out.
type scriptReader struct {
	chunks [][]byte
	calls  int
}

func (r *scriptReader) Read(ctx context.Context) ([]byte, error) {
	r.calls++
	if len(r.chunks) == 0 {
		<-ctx.Done()
		return nil, model.ErrTimeout
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func TestParseTerminator(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"LF", "\n"},
		{"lf", "\n"},
		{"CR", "\r"},
		{"CRLF", "\r\n"},
		{"CR LF", "\r\n"},
		{`\r\n`, "\r\n"},
		{`\n`, "\n"},
		{";", ";"},
		{"END", "END"},
		{"xLF", "x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTerminator(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := ParseTerminator("µ")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestFormatTerminator(t *testing.T) {
	assert.Equal(t, "CRLF", FormatTerminator([]byte("\r\n")))
	assert.Equal(t, "LF", FormatTerminator([]byte("\n")))
	assert.Equal(t, "", FormatTerminator(nil))
}

func TestEncodeStripRoundTrip(t *testing.T) {
	commands := []string{"*IDN?", "MEAS:VOLT:DC?", "VOLT 1.5;CURR 0.1", "x", ""}
	terminators := []string{"", "LF", "CR", "CRLF", ";", "END"}

	for _, term := range terminators {
		f, err := New(term)
		require.NoError(t, err)
		for _, cmd := range commands {
			wire, err := f.Encode(cmd)
			require.NoError(t, err)
			assert.Equal(t, cmd, string(f.Strip(wire)), "terminator %q command %q", term, cmd)
		}
	}
}

func TestEncodeAppendsTerminator(t *testing.T) {
	f, err := New("CRLF")
	require.NoError(t, err)

	wire, err := f.Encode("*IDN?")
	require.NoError(t, err)
	assert.Equal(t, []byte("*IDN?\r\n"), wire)
	assert.Equal(t, []byte{0x01, 0x02, '\r', '\n'}, f.EncodeBytes([]byte{1, 2}))
}

func TestEncodingLatin1(t *testing.T) {
	enc, err := LookupEncoding("ISO-8859-1")
	require.NoError(t, err)
	f, err := New("LF", WithEncoding(enc))
	require.NoError(t, err)

	wire, err := f.Encode("TEMP 25°")
	require.NoError(t, err)
	assert.Equal(t, []byte("TEMP 25\xb0\n"), wire)

	text, err := f.Decode([]byte("25\xb0C"))
	require.NoError(t, err)
	assert.Equal(t, "25°C", text)

	_, err = LookupEncoding("no-such-charset")
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestReadMessageAccumulatesAcrossReads(t *testing.T) {
	f, err := New("", WithReadTerminator(DefaultReadTerminator))
	require.NoError(t, err)

	r := &scriptReader{chunks: [][]byte{[]byte("12.5"), []byte("\r\n")}}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := f.ReadMessage(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, []byte("12.5\r\n"), msg)
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, "12.5", string(f.Strip(msg)))
}

func TestReadMessageTimeoutDiscardsPartialData(t *testing.T) {
	f, err := New("LF")
	require.NoError(t, err)

	r := &scriptReader{chunks: [][]byte{[]byte("partial")}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	msg, err := f.ReadMessage(ctx, r)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, model.ErrTimeout)
}

func TestReadMessageExpiredContext(t *testing.T) {
	f, err := New("LF")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	r := &scriptReader{chunks: [][]byte{[]byte("ok\n")}}
	_, err = f.ReadMessage(ctx, r)
	assert.ErrorIs(t, err, model.ErrTimeout)
	assert.Zero(t, r.calls)
}

func TestReadMessageCancelledIsNotTimeout(t *testing.T) {
	f, err := New("LF")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := ChunkReaderFunc(func(ctx context.Context) ([]byte, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	msg, err := f.ReadMessage(ctx, r)
	assert.Nil(t, msg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, model.ErrTimeout)

	_, err = f.ReadMessage(ctx, &scriptReader{chunks: [][]byte{[]byte("ok\n")}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, model.ErrTimeout)
}

func TestReadMessagePassthrough(t *testing.T) {
	f, err := New("LF", WithPassthrough())
	require.NoError(t, err)

	r := &scriptReader{chunks: [][]byte{[]byte("no terminator"), []byte("second")}}
	msg, err := f.ReadMessage(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "no terminator", string(msg))
	assert.Equal(t, 1, r.calls)
}

func TestReadMessageSingleReadWithoutTerminator(t *testing.T) {
	f, err := New("")
	require.NoError(t, err)

	r := &scriptReader{chunks: [][]byte{[]byte("1.0")}}
	msg, err := f.ReadMessage(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "1.0", string(msg))
}

func TestReadMessagePropagatesTransportError(t *testing.T) {
	f, err := New("LF")
	require.NoError(t, err)

	broken := ChunkReaderFunc(func(context.Context) ([]byte, error) {
		return nil, errors.Join(model.ErrTransport, errors.New("connection reset"))
	})
	_, err = f.ReadMessage(context.Background(), broken)
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.NotErrorIs(t, err, model.ErrTimeout)
}

func TestWithDeadline(t *testing.T) {
	ctx, cancel := WithDeadline(context.Background(), time.Second)
	defer cancel()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), dl, 100*time.Millisecond)

	parent, pcancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer pcancel()
	ctx2, cancel2 := WithDeadline(parent, time.Hour)
	defer cancel2()
	dl2, _ := ctx2.Deadline()
	pdl, _ := parent.Deadline()
	assert.Equal(t, pdl, dl2)

	ctx3, cancel3 := WithDeadline(context.Background(), 0)
	defer cancel3()
	_, ok = ctx3.Deadline()
	assert.False(t, ok)
}
