// Package vxi11 is a client for the VXI-11 core channel (ONC RPC over TCP),
// the protocol spoken by LAN/GPIB gateways and many LAN instruments.
package vxi11

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"labinstr/internal/model"
)

// VXI-11 core program.
const (
	CoreProgram = 0x0607AF
	CoreVersion = 1
)

const (
	procCreateLink    = 10
	procDeviceWrite   = 11
	procDeviceRead    = 12
	procDeviceReadSTB = 13
	procDeviceClear   = 15
	procDeviceRemote  = 16
	procDeviceLocal   = 17
	procDestroyLink   = 23
)

// Operation flags.
const (
	flagEnd        = 0x08
	flagTermChrSet = 0x80
)

// Read reason bits.
const (
	reasonReqCnt = 0x01
	reasonChr    = 0x02
	reasonEnd    = 0x04
)

const defaultReadSize = 1 << 20

var errorText = map[int32]string{
	1:  "syntax error",
	3:  "device not accessible",
	4:  "invalid link identifier",
	5:  "parameter error",
	6:  "channel not established",
	8:  "operation not supported",
	9:  "out of resources",
	11: "device locked by another link",
	12: "no lock held by this link",
	15: "I/O timeout",
	17: "I/O error",
	21: "invalid address",
	23: "abort",
	29: "channel already established",
}

// DeviceError is a non-zero Device_ErrorCode returned by the gateway.
type DeviceError struct {
	Op   string
	Code int32
}

func (e *DeviceError) Error() string {
	text, ok := errorText[e.Code]
	if !ok {
		text = "unknown error"
	}
	return fmt.Sprintf("vxi11 %s: %s (code %d)", e.Op, text, e.Code)
}

// Unwrap maps the device error code onto the shared taxonomy.
func (e *DeviceError) Unwrap() error {
	switch e.Code {
	case 15:
		return model.ErrTimeout
	case 3, 21:
		return model.ErrConnection
	default:
		return model.ErrTransport
	}
}

// Options tunes a Client.
type Options struct {
	// Port of the core channel. Zero resolves it through the portmapper.
	Port int
	// PortmapperPort defaults to 111.
	PortmapperPort int
	// Timeout bounds calls whose context has no deadline.
	Timeout time.Duration
	// LockTimeout is sent with every call that may wait for a lock.
	LockTimeout time.Duration
}

// Client is one VXI-11 link to one device behind the gateway.
type Client struct {
	rpc         *rpcConn
	link        int32
	maxRecvSize int
	lockTimeout uint32
	timeout     time.Duration
}

// Dial connects to the gateway at host and creates a link to device, e.g.
// "gpib0,22" or "inst0".
func Dial(ctx context.Context, host, device string, opts Options) (*Client, error) {
	port := opts.Port
	if port == 0 {
		pm := opts.PortmapperPort
		if pm == 0 {
			pm = PortmapperPort
		}
		var err error
		port, err = GetPort(ctx, net.JoinHostPort(host, strconv.Itoa(pm)), CoreProgram, CoreVersion, opts.Timeout)
		if err != nil {
			return nil, fmt.Errorf("portmapper lookup on %s: %w", host, err)
		}
	}

	rpc, err := dialRPC(ctx, net.JoinHostPort(host, strconv.Itoa(port)), CoreProgram, CoreVersion, opts.Timeout)
	if err != nil {
		return nil, err
	}
	c := &Client{
		rpc:         rpc,
		lockTimeout: uint32(opts.LockTimeout / time.Millisecond),
		timeout:     opts.Timeout,
	}
	if err := c.createLink(ctx, device); err != nil {
		_ = rpc.close()
		return nil, err
	}
	return c, nil
}

// MaxRecvSize is the largest write chunk the gateway accepts.
func (c *Client) MaxRecvSize() int { return c.maxRecvSize }

func (c *Client) createLink(ctx context.Context, device string) error {
	// Create_LinkParms: client id, lockDevice, lock_timeout, device.
	var w xdrWriter
	w.int32(int32(time.Now().Unix() & 0x7fffffff))
	w.bool(false)
	w.uint32(c.lockTimeout)
	w.string(device)

	res, err := c.rpc.call(ctx, procCreateLink, w.bytes())
	if err != nil {
		return err
	}
	r := &xdrReader{buf: res}
	code := r.int32()
	c.link = r.int32()
	r.uint32() // abort port
	c.maxRecvSize = int(r.uint32())
	if r.err != nil {
		return r.err
	}
	if code != 0 {
		return &DeviceError{Op: "create_link", Code: code}
	}
	if c.maxRecvSize <= 0 {
		c.maxRecvSize = 1024
	}
	return nil
}

// ioTimeout is the remaining time of ctx in milliseconds, as sent in the
// io_timeout field.
func (c *Client) ioTimeout(ctx context.Context) uint32 {
	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return uint32(ms)
	}
	return uint32(c.timeout.Milliseconds())
}

// DeviceWrite sends data, splitting it into chunks of MaxRecvSize. The END
// flag is set on the last chunk.
func (c *Client) DeviceWrite(ctx context.Context, data []byte) error {
	for {
		chunk := data
		last := true
		if len(chunk) > c.maxRecvSize {
			chunk = chunk[:c.maxRecvSize]
			last = false
		}
		var flags int32
		if last {
			flags = flagEnd
		}

		var w xdrWriter
		w.int32(c.link)
		w.uint32(c.ioTimeout(ctx))
		w.uint32(c.lockTimeout)
		w.int32(flags)
		w.opaque(chunk)

		res, err := c.rpc.call(ctx, procDeviceWrite, w.bytes())
		if err != nil {
			return err
		}
		r := &xdrReader{buf: res}
		code := r.int32()
		size := int(r.uint32())
		if r.err != nil {
			return r.err
		}
		if code != 0 {
			return &DeviceError{Op: "device_write", Code: code}
		}
		if size == 0 && len(chunk) > 0 {
			return fmt.Errorf("%w: device_write accepted no data", model.ErrTransport)
		}
		if size < len(chunk) {
			chunk = chunk[:size]
		}
		data = data[len(chunk):]
		if len(data) == 0 {
			return nil
		}
	}
}

// DeviceRead reads one complete response: it keeps issuing device_read
// while the gateway only reports that the request count was reached.
// termChar >= 0 also ends the read on that character.
func (c *Client) DeviceRead(ctx context.Context, termChar int) ([]byte, error) {
	var out []byte
	for {
		var flags int32
		var tc int32
		if termChar >= 0 {
			flags |= flagTermChrSet
			tc = int32(termChar)
		}

		var w xdrWriter
		w.int32(c.link)
		w.uint32(defaultReadSize)
		w.uint32(c.ioTimeout(ctx))
		w.uint32(c.lockTimeout)
		w.int32(flags)
		w.int32(tc)

		res, err := c.rpc.call(ctx, procDeviceRead, w.bytes())
		if err != nil {
			return nil, err
		}
		r := &xdrReader{buf: res}
		code := r.int32()
		reason := r.int32()
		data := r.opaque()
		if r.err != nil {
			return nil, r.err
		}
		if code != 0 {
			return nil, &DeviceError{Op: "device_read", Code: code}
		}
		out = append(out, data...)
		if reason&(reasonEnd|reasonChr) != 0 || reason&reasonReqCnt == 0 {
			return out, nil
		}
	}
}

// ReadSTB performs a serial poll and returns the status byte.
func (c *Client) ReadSTB(ctx context.Context) (byte, error) {
	res, err := c.rpc.call(ctx, procDeviceReadSTB, c.genericParams(ctx))
	if err != nil {
		return 0, err
	}
	r := &xdrReader{buf: res}
	code := r.int32()
	stb := r.uint32()
	if r.err != nil {
		return 0, r.err
	}
	if code != 0 {
		return 0, &DeviceError{Op: "device_readstb", Code: code}
	}
	return byte(stb), nil
}

// Local places the device in local (front panel) mode.
func (c *Client) Local(ctx context.Context) error {
	return c.generic(ctx, procDeviceLocal, "device_local")
}

// Remote places the device in remote mode.
func (c *Client) Remote(ctx context.Context) error {
	return c.generic(ctx, procDeviceRemote, "device_remote")
}

// Clear sends a selected device clear.
func (c *Client) Clear(ctx context.Context) error {
	return c.generic(ctx, procDeviceClear, "device_clear")
}

func (c *Client) genericParams(ctx context.Context) []byte {
	var w xdrWriter
	w.int32(c.link)
	w.int32(0) // flags
	w.uint32(c.lockTimeout)
	w.uint32(c.ioTimeout(ctx))
	return w.bytes()
}

func (c *Client) generic(ctx context.Context, proc uint32, op string) error {
	res, err := c.rpc.call(ctx, proc, c.genericParams(ctx))
	if err != nil {
		return err
	}
	return deviceError(res, op)
}

func deviceError(res []byte, op string) error {
	r := &xdrReader{buf: res}
	code := r.int32()
	if r.err != nil {
		return r.err
	}
	if code != 0 {
		return &DeviceError{Op: op, Code: code}
	}
	return nil
}

// DestroyLink releases the link on the gateway.
func (c *Client) DestroyLink(ctx context.Context) error {
	var w xdrWriter
	w.int32(c.link)
	res, err := c.rpc.call(ctx, procDestroyLink, w.bytes())
	if err != nil {
		return err
	}
	return deviceError(res, "destroy_link")
}

// Close closes the underlying TCP connection. Call DestroyLink first for a
// clean shutdown.
func (c *Client) Close() error {
	return c.rpc.close()
}
