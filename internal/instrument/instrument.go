// Package instrument is the facade callers use to talk to one instrument:
// send a command, receive a response coerced to a type, or both at once.
//
// An Instrument is not safe for concurrent use. Every call blocks until it
// completes or its deadline passes; callers that share an instrument across
// goroutines serialise access themselves (see the session package).
package instrument

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"labinstr/internal/block"
	"labinstr/internal/framing"
	"labinstr/internal/model"
	"labinstr/internal/protocol"
	"labinstr/internal/utils"
)

// IdentifyCommand is the IEEE-488.2 identification query.
const IdentifyCommand = "*IDN?"

// Querier is the subset of Instrument used by device-specific code.
type Querier interface {
	Send(ctx context.Context, cmd string) error
	Receive(ctx context.Context) ([]byte, error)
	Query(ctx context.Context, cmd string) ([]byte, error)
	Close() error
}

var _ Querier = (*Instrument)(nil)

// Instrument owns one open channel and its framer.
type Instrument struct {
	id      string
	config  protocol.ConnectionConfig
	channel protocol.Channel
	framer  *framing.Framer
	logger  *utils.InstrumentLogger
}

type options struct {
	id      string
	logger  *zap.Logger
	channel protocol.Channel
}

// Option configures New.
type Option func(*options)

// WithID names the instrument in logs.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithLogger sets the base logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithChannel uses ch instead of building one from the configuration.
func WithChannel(ch protocol.Channel) Option {
	return func(o *options) { o.channel = ch }
}

// New validates config, builds the channel and framer and opens the
// channel. Open failures are reported as model.ErrConnection and leave
// nothing open.
func New(ctx context.Context, config protocol.ConnectionConfig, opts ...Option) (*Instrument, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ch := o.channel
	if ch == nil {
		var err error
		if ch, err = protocol.NewChannel(config, o.logger); err != nil {
			return nil, err
		}
	}

	framer, err := newFramer(config, ch)
	if err != nil {
		return nil, err
	}

	id := o.id
	if id == "" {
		id = config.Address()
	}
	inst := &Instrument{
		id:      id,
		config:  config,
		channel: ch,
		framer:  framer,
		logger:  utils.NewInstrumentLogger(o.logger, id, string(config.Type)),
	}

	if err := ch.Open(ctx); err != nil {
		if closeErr := ch.Close(); closeErr != nil {
			inst.logger.Warn("Failed to release channel after open failure", zap.Error(closeErr))
		}
		if !errors.Is(err, model.ErrConnection) && !errors.Is(err, model.ErrConfiguration) {
			err = fmt.Errorf("%w: %v", model.ErrConnection, err)
		}
		inst.logger.LogConnection("open", err)
		return nil, err
	}
	inst.logger.LogConnection("open", nil)
	return inst, nil
}

// newFramer picks the read strategy for ch: message-oriented channels get
// a single read per response, sockets without a configured terminator
// expect CRLF.
func newFramer(config protocol.ConnectionConfig, ch protocol.Channel) (*framing.Framer, error) {
	enc, err := framing.LookupEncoding(config.Encoding)
	if err != nil {
		return nil, err
	}
	opts := []framing.Option{framing.WithEncoding(enc)}

	if mo, ok := ch.(protocol.MessageOriented); ok && mo.MessageOriented() {
		opts = append(opts, framing.WithPassthrough())
	} else if config.Type == model.ConnectionTypeTCP && config.Terminator == "" {
		opts = append(opts, framing.WithReadTerminator(framing.DefaultReadTerminator))
	}
	return framing.New(config.Terminator, opts...)
}

// ID returns the name used in logs.
func (i *Instrument) ID() string { return i.id }

// Config returns the effective connection configuration.
func (i *Instrument) Config() protocol.ConnectionConfig { return i.config }

// Type returns the transport kind.
func (i *Instrument) Type() model.ConnectionType { return i.channel.Type() }

// Stats returns the channel statistics.
func (i *Instrument) Stats() protocol.ProtocolStats { return i.channel.Stats() }

// IsOpen reports whether the channel is open.
func (i *Instrument) IsOpen() bool { return i.channel.IsOpen() }

func (i *Instrument) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return framing.WithDeadline(ctx, i.config.Timeout)
}

// Send encodes cmd, appends the terminator and writes it.
func (i *Instrument) Send(ctx context.Context, cmd string) error {
	payload, err := i.framer.Encode(cmd)
	if err != nil {
		return err
	}
	return i.write(ctx, "send", cmd, payload)
}

// SendBytes appends the terminator to raw and writes it without text
// encoding.
func (i *Instrument) SendBytes(ctx context.Context, raw []byte) error {
	return i.write(ctx, "send_bytes", "", i.framer.EncodeBytes(raw))
}

func (i *Instrument) write(ctx context.Context, op, cmd string, payload []byte) error {
	ctx, cancel := i.bounded(ctx)
	defer cancel()

	start := time.Now()
	err := i.channel.Write(ctx, payload)
	i.logger.LogTransaction(op, cmd, len(payload), time.Since(start), err)
	return err
}

// readMessage returns one complete, unstripped response.
func (i *Instrument) readMessage(ctx context.Context) ([]byte, error) {
	ctx, cancel := i.bounded(ctx)
	defer cancel()

	start := time.Now()
	msg, err := i.framer.ReadMessage(ctx, i.channel)
	i.logger.LogTransaction("receive", "", len(msg), time.Since(start), err)
	return msg, err
}

// Receive reads one response and strips the terminator and trailing
// whitespace.
func (i *Instrument) Receive(ctx context.Context) ([]byte, error) {
	msg, err := i.readMessage(ctx)
	if err != nil {
		return nil, err
	}
	return i.framer.Strip(msg), nil
}

// ReceiveText reads one response as text.
func (i *Instrument) ReceiveText(ctx context.Context) (string, error) {
	msg, err := i.Receive(ctx)
	if err != nil {
		return "", err
	}
	return i.framer.Decode(msg)
}

// ReceiveFloat reads one response as a float.
func (i *Instrument) ReceiveFloat(ctx context.Context) (float64, error) {
	text, err := i.ReceiveText(ctx)
	if err != nil {
		return 0, err
	}
	return ParseFloat(text)
}

// ReceiveInt reads one response as a float and truncates it toward zero,
// so "3.7" yields 3.
func (i *Instrument) ReceiveInt(ctx context.Context) (int64, error) {
	text, err := i.ReceiveText(ctx)
	if err != nil {
		return 0, err
	}
	return ParseInt(text)
}

// ReceiveDecimal reads one response as an exact decimal.
func (i *Instrument) ReceiveDecimal(ctx context.Context) (Decimal, error) {
	text, err := i.ReceiveText(ctx)
	if err != nil {
		return Decimal{}, err
	}
	return ParseDecimal(text)
}

// ReceiveAs reads one response coerced to kind: []byte, string, int64,
// float64 or Decimal.
func (i *Instrument) ReceiveAs(ctx context.Context, kind model.ValueKind) (any, error) {
	switch kind {
	case model.ValueRaw, "":
		return i.Receive(ctx)
	case model.ValueText:
		return i.ReceiveText(ctx)
	case model.ValueInt:
		return i.ReceiveInt(ctx)
	case model.ValueFloat:
		return i.ReceiveFloat(ctx)
	case model.ValueDecimal:
		return i.ReceiveDecimal(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown value kind %q", model.ErrConfiguration, kind)
	}
}

// Query sends cmd and reads one response. It never retries.
func (i *Instrument) Query(ctx context.Context, cmd string) ([]byte, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return nil, err
	}
	return i.Receive(ctx)
}

// QueryText sends cmd and reads the response as text.
func (i *Instrument) QueryText(ctx context.Context, cmd string) (string, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return "", err
	}
	return i.ReceiveText(ctx)
}

// QueryInt sends cmd and reads the response as a truncated integer.
func (i *Instrument) QueryInt(ctx context.Context, cmd string) (int64, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return 0, err
	}
	return i.ReceiveInt(ctx)
}

// QueryFloat sends cmd and reads the response as a float.
func (i *Instrument) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return 0, err
	}
	return i.ReceiveFloat(ctx)
}

// QueryDecimal sends cmd and reads the response as an exact decimal.
func (i *Instrument) QueryDecimal(ctx context.Context, cmd string) (Decimal, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return Decimal{}, err
	}
	return i.ReceiveDecimal(ctx)
}

// QueryAs sends cmd and reads the response coerced to kind.
func (i *Instrument) QueryAs(ctx context.Context, cmd string, kind model.ValueKind) (any, error) {
	if err := i.Send(ctx, cmd); err != nil {
		return nil, err
	}
	return i.ReceiveAs(ctx, kind)
}

// QueryBlock sends cmd and decodes the IEEE-488.2 binary block in the
// response. On stream channels reading continues until the announced
// block length has arrived, since block data may contain the terminator.
func (i *Instrument) QueryBlock(ctx context.Context, cmd string, f block.Format) (block.Samples, error) {
	if err := f.Validate(); err != nil {
		return block.Samples{}, err
	}
	if err := i.Send(ctx, cmd); err != nil {
		return block.Samples{}, err
	}

	ctx, cancel := i.bounded(ctx)
	defer cancel()

	msg, err := i.readMessage(ctx)
	if err != nil {
		return block.Samples{}, err
	}
	for !i.framer.Passthrough() && block.Missing(msg) > 0 {
		more, err := i.readMessage(ctx)
		if err != nil {
			return block.Samples{}, err
		}
		msg = append(msg, more...)
	}
	return block.Decode(msg, f)
}

// Identify returns the response to *IDN?.
func (i *Instrument) Identify(ctx context.Context) (string, error) {
	return i.QueryText(ctx, IdentifyCommand)
}

// StatusByte serial-polls the instrument and returns the status bits,
// bit 0 at index 0.
func (i *Instrument) StatusByte(ctx context.Context) ([8]bool, error) {
	sr, ok := i.channel.(protocol.StatusReader)
	if !ok {
		return [8]bool{}, i.unsupported("status byte")
	}
	ctx, cancel := i.bounded(ctx)
	defer cancel()

	start := time.Now()
	stb, err := sr.ReadStatusByte(ctx)
	i.logger.LogTransaction("status_byte", "", 1, time.Since(start), err)
	if err != nil {
		return [8]bool{}, err
	}
	return protocol.DecodeStatusByte(stb), nil
}

// ReturnToLocal releases the instrument to front-panel control.
func (i *Instrument) ReturnToLocal(ctx context.Context) error {
	lr, ok := i.channel.(protocol.LocalReturner)
	if !ok {
		return i.unsupported("return to local")
	}
	ctx, cancel := i.bounded(ctx)
	defer cancel()

	start := time.Now()
	err := lr.ReturnToLocal(ctx)
	i.logger.LogTransaction("local", "", 0, time.Since(start), err)
	return err
}

// DeviceClear sends a selected device clear.
func (i *Instrument) DeviceClear(ctx context.Context) error {
	cl, ok := i.channel.(protocol.Clearer)
	if !ok {
		return i.unsupported("device clear")
	}
	ctx, cancel := i.bounded(ctx)
	defer cancel()

	start := time.Now()
	err := cl.Clear(ctx)
	i.logger.LogTransaction("clear", "", 0, time.Since(start), err)
	return err
}

func (i *Instrument) unsupported(what string) error {
	return fmt.Errorf("%w: %s not supported by %s transport", model.ErrConfiguration, what, i.channel.Type())
}

// Close closes the channel. It is safe to call more than once.
func (i *Instrument) Close() error {
	err := i.channel.Close()
	i.logger.LogConnection("close", err)
	return err
}
