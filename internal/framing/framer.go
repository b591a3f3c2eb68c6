// Package framing turns commands into terminated wire messages and
// accumulates low-level reads into complete responses.
package framing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"labinstr/internal/model"
)

// DefaultReadTerminator is the response terminator expected from socket
// instruments when none is configured.
var DefaultReadTerminator = []byte("\r\n")

// ChunkReader is a single low-level receive bounded by ctx.
type ChunkReader interface {
	Read(ctx context.Context) ([]byte, error)
}

// ChunkReaderFunc adapts a function to ChunkReader.
type ChunkReaderFunc func(ctx context.Context) ([]byte, error)

func (f ChunkReaderFunc) Read(ctx context.Context) ([]byte, error) { return f(ctx) }

// Framer holds the write terminator, the read terminator and the text
// encoding for one instrument.
type Framer struct {
	term        []byte
	readTerm    []byte
	enc         encoding.Encoding
	passthrough bool
}

// Option configures a Framer.
type Option func(*Framer)

// WithEncoding sets the text encoding for commands and responses. The
// default is UTF-8.
func WithEncoding(enc encoding.Encoding) Option {
	return func(f *Framer) {
		if enc != nil {
			f.enc = enc
		}
	}
}

// WithReadTerminator overrides the terminator that ends a response. A nil
// value makes every single read a complete response.
func WithReadTerminator(term []byte) Option {
	return func(f *Framer) { f.readTerm = term }
}

// WithPassthrough marks the underlying channel as message oriented: the
// channel delivers one whole response per read, so no accumulation is done.
func WithPassthrough() Option {
	return func(f *Framer) { f.passthrough = true }
}

// New builds a Framer from a terminator specifier (see ParseTerminator). The
// read terminator defaults to the write terminator.
func New(terminator string, opts ...Option) (*Framer, error) {
	term, err := ParseTerminator(terminator)
	if err != nil {
		return nil, err
	}
	f := &Framer{
		term:     term,
		readTerm: term,
		enc:      unicode.UTF8,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// LookupEncoding resolves an IANA charset name such as "ISO-8859-1" or
// "US-ASCII". The empty name selects UTF-8.
func LookupEncoding(name string) (encoding.Encoding, error) {
	if strings.TrimSpace(name) == "" {
		return unicode.UTF8, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("%w: text encoding %q: %v", model.ErrConfiguration, name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: text encoding %q is not supported", model.ErrConfiguration, name)
	}
	return enc, nil
}

// Terminator returns the write terminator bytes.
func (f *Framer) Terminator() []byte { return f.term }

// ReadTerminator returns the bytes that end a response.
func (f *Framer) ReadTerminator() []byte { return f.readTerm }

// Passthrough reports whether responses are taken from a single read.
func (f *Framer) Passthrough() bool { return f.passthrough }

// Encode appends the terminator to cmd and encodes it for the wire.
func (f *Framer) Encode(cmd string) ([]byte, error) {
	b, err := f.enc.NewEncoder().Bytes([]byte(cmd))
	if err != nil {
		return nil, fmt.Errorf("%w: command %q cannot be encoded: %v", model.ErrValue, cmd, err)
	}
	return f.EncodeBytes(b), nil
}

// EncodeBytes appends the terminator to raw without any text encoding.
func (f *Framer) EncodeBytes(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+len(f.term))
	out = append(out, raw...)
	return append(out, f.term...)
}

// Strip removes one trailing read terminator, then trailing whitespace.
func (f *Framer) Strip(msg []byte) []byte {
	if len(f.readTerm) > 0 {
		msg = bytes.TrimSuffix(msg, f.readTerm)
	}
	if len(f.term) > 0 && !bytes.Equal(f.term, f.readTerm) {
		msg = bytes.TrimSuffix(msg, f.term)
	}
	return bytes.TrimRight(msg, " \t\r\n\v\f")
}

// Decode converts response bytes to text.
func (f *Framer) Decode(msg []byte) (string, error) {
	b, err := f.enc.NewDecoder().Bytes(msg)
	if err != nil {
		return "", fmt.Errorf("%w: response cannot be decoded: %v", model.ErrValue, err)
	}
	return string(b), nil
}

// ReadMessage reads from r until the accumulated buffer ends with the read
// terminator. It is bounded by the deadline of ctx; on expiry it returns
// model.ErrTimeout and discards what was received. Cancelling ctx returns
// context.Canceled instead.
func (f *Framer) ReadMessage(ctx context.Context, r ChunkReader) ([]byte, error) {
	if f.passthrough || len(f.readTerm) == 0 {
		return r.Read(ctx)
	}

	var buf []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, readAborted(err, len(buf), f.readTerm)
		}
		chunk, err := r.Read(ctx)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, readAborted(cerr, len(buf), f.readTerm)
			}
			if errors.Is(err, model.ErrTimeout) {
				return nil, timeoutError(err, len(buf), f.readTerm)
			}
			return nil, err
		}
		buf = append(buf, chunk...)
		if bytes.HasSuffix(buf, f.readTerm) {
			return buf, nil
		}
	}
}

func readAborted(cause error, received int, term []byte) error {
	if errors.Is(cause, context.Canceled) {
		return fmt.Errorf("read cancelled after %d bytes: %w", received, cause)
	}
	return timeoutError(cause, received, term)
}

func timeoutError(cause error, received int, term []byte) error {
	if errors.Is(cause, model.ErrTimeout) {
		if received == 0 {
			return cause
		}
		return fmt.Errorf("%w (terminator %q not seen after %d bytes)", cause, term, received)
	}
	return fmt.Errorf("%w: terminator %q not seen after %d bytes: %v", model.ErrTimeout, term, received, cause)
}

// WithDeadline bounds ctx by timeout unless ctx already expires sooner. A
// timeout of zero leaves ctx unbounded.
func WithDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= timeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
