package vxi11

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ONC RPC constants (RFC 5531).
const (
	rpcVersion = 2

	msgCall  = 0
	msgReply = 1

	replyAccepted = 0
	replyDenied   = 1

	authNull = 0

	lastFragment = 0x80000000
	maxRecord    = 16 << 20
)

var acceptStatus = map[uint32]string{
	1: "program unavailable",
	2: "program version mismatch",
	3: "procedure unavailable",
	4: "garbage arguments",
	5: "system error",
}

// RPCError is a failure reported by the remote RPC layer rather than by the
// VXI-11 device.
type RPCError struct {
	Procedure uint32
	Reason    string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc procedure %d: %s", e.Procedure, e.Reason)
}

// rpcConn issues ONC RPC calls over one TCP stream using record marking.
type rpcConn struct {
	conn    net.Conn
	prog    uint32
	vers    uint32
	mu      sync.Mutex
	xid     uint32
	timeout time.Duration
}

func dialRPC(ctx context.Context, address string, prog, vers uint32, timeout time.Duration) (*rpcConn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return &rpcConn{
		conn:    conn,
		prog:    prog,
		vers:    vers,
		xid:     uint32(time.Now().UnixNano()),
		timeout: timeout,
	}, nil
}

// call sends one request and returns the procedure-specific result body.
func (c *rpcConn) call(ctx context.Context, proc uint32, args []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetDeadline(time.Now()) })
	defer stop()

	c.xid++
	xid := c.xid

	var w xdrWriter
	w.uint32(xid)
	w.uint32(msgCall)
	w.uint32(rpcVersion)
	w.uint32(c.prog)
	w.uint32(c.vers)
	w.uint32(proc)
	w.uint32(authNull) // credential
	w.uint32(0)
	w.uint32(authNull) // verifier
	w.uint32(0)
	msg := append(w.bytes(), args...)

	if err := writeRecord(c.conn, msg); err != nil {
		return nil, err
	}

	for {
		reply, err := readRecord(c.conn)
		if err != nil {
			return nil, err
		}
		r := &xdrReader{buf: reply}
		if r.uint32() != xid {
			// Stale reply from an aborted call.
			continue
		}
		if r.uint32() != msgReply {
			return nil, &RPCError{Procedure: proc, Reason: "not a reply"}
		}
		switch r.uint32() {
		case replyAccepted:
			r.uint32() // verifier flavor
			r.opaque()
			stat := r.uint32()
			if r.err != nil {
				return nil, r.err
			}
			if stat != 0 {
				reason, ok := acceptStatus[stat]
				if !ok {
					reason = fmt.Sprintf("accept status %d", stat)
				}
				return nil, &RPCError{Procedure: proc, Reason: reason}
			}
			return reply[r.off:], nil
		case replyDenied:
			return nil, &RPCError{Procedure: proc, Reason: "call denied"}
		default:
			return nil, &RPCError{Procedure: proc, Reason: "bad reply status"}
		}
	}
}

func (c *rpcConn) close() error { return c.conn.Close() }

func writeRecord(w io.Writer, msg []byte) error {
	out := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(out, lastFragment|uint32(len(msg)))
	copy(out[4:], msg)
	_, err := w.Write(out)
	return err
}

func readRecord(r io.Reader) ([]byte, error) {
	var msg []byte
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		h := binary.BigEndian.Uint32(hdr[:])
		n := int(h &^ lastFragment)
		if len(msg)+n > maxRecord {
			return nil, errors.New("rpc record exceeds size limit")
		}
		frag := make([]byte, n)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		msg = append(msg, frag...)
		if h&lastFragment != 0 {
			return msg, nil
		}
	}
}

// Portmapper (RFC 1833, version 2).
const (
	PortmapperPort = 111

	pmapProg    = 100000
	pmapVers    = 2
	pmapGetPort = 3
	ipProtoTCP  = 6
)

// GetPort asks the portmapper at address (host:port) for the TCP port of
// prog/vers.
func GetPort(ctx context.Context, address string, prog, vers uint32, timeout time.Duration) (int, error) {
	c, err := dialRPC(ctx, address, pmapProg, pmapVers, timeout)
	if err != nil {
		return 0, err
	}
	defer c.close()

	var w xdrWriter
	w.uint32(prog)
	w.uint32(vers)
	w.uint32(ipProtoTCP)
	w.uint32(0)
	res, err := c.call(ctx, pmapGetPort, w.bytes())
	if err != nil {
		return 0, err
	}
	r := &xdrReader{buf: res}
	port := r.uint32()
	if r.err != nil {
		return 0, r.err
	}
	if port == 0 {
		return 0, fmt.Errorf("program %#x version %d is not registered", prog, vers)
	}
	return int(port), nil
}
