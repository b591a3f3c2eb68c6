// Package vxi11test runs an in-process VXI-11 gateway (portmapper plus core
// channel) on loopback listeners for tests.
package vxi11test

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
)

const (
	coreProgram = 0x0607AF
	pmapProgram = 100000

	reasonReqCnt = 0x01
	reasonEnd    = 0x04
	flagEnd      = 0x08
)

// Server is a fake gateway. All methods are safe for concurrent use.
type Server struct {
	pm   net.Listener
	core net.Listener
	wg   sync.WaitGroup

	mu              sync.Mutex
	handler         func(msg []byte) []byte
	chunkSize       int
	maxRecvSize     uint32
	createLinkError int32
	devices         []string
	pending         []byte
	writes          [][]byte
	responses       [][]byte
	stb             byte
	locals          int
	clears          int
	destroys        int
}

// NewServer starts the portmapper and core listeners on 127.0.0.1.
func NewServer() (*Server, error) {
	pm, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	core, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		pm.Close()
		return nil, err
	}
	s := &Server{pm: pm, core: core, maxRecvSize: 1024}
	s.wg.Add(2)
	go s.accept(pm, s.portmap)
	go s.accept(core, s.device)
	return s, nil
}

// Host is the address the listeners are bound to.
func (s *Server) Host() string { return "127.0.0.1" }

// PortmapperPort is the port answering GETPORT.
func (s *Server) PortmapperPort() int { return s.pm.Addr().(*net.TCPAddr).Port }

// CorePort is the port of the core channel.
func (s *Server) CorePort() int { return s.core.Addr().(*net.TCPAddr).Port }

// Close stops both listeners.
func (s *Server) Close() error {
	err := errors.Join(s.pm.Close(), s.core.Close())
	s.wg.Wait()
	return err
}

// SetHandler installs a function called with every complete written
// message. A non-nil result is queued as the next response.
func (s *Server) SetHandler(h func(msg []byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// SetChunkSize splits responses into device_read replies of at most n
// bytes, all but the last flagged with the request-count reason.
func (s *Server) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = n
}

// SetMaxRecvSize sets the value advertised by create_link.
func (s *Server) SetMaxRecvSize(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRecvSize = n
}

// SetCreateLinkError makes create_link fail with code.
func (s *Server) SetCreateLinkError(code int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createLinkError = code
}

// QueueResponse appends a response returned by the next device_read.
func (s *Server) QueueResponse(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, b)
}

// SetStatusByte sets the value returned by device_readstb.
func (s *Server) SetStatusByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stb = b
}

// Writes returns every complete message received so far.
func (s *Server) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// Devices returns the device names passed to create_link.
func (s *Server) Devices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.devices...)
}

// LocalCalls counts device_local calls.
func (s *Server) LocalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locals
}

// ClearCalls counts device_clear calls.
func (s *Server) ClearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// DestroyCalls counts destroy_link calls.
func (s *Server) DestroyCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}

type handlerFunc func(prog, proc uint32, args *reader) []byte

func (s *Server) accept(l net.Listener, h handlerFunc) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn, h)
	}
}

func (s *Server) serveConn(conn net.Conn, h handlerFunc) {
	defer conn.Close()
	for {
		msg, err := readRecord(conn)
		if err != nil {
			return
		}
		r := &reader{buf: msg}
		xid := r.u32()
		r.u32() // CALL
		r.u32() // rpc version
		prog := r.u32()
		r.u32() // program version
		proc := r.u32()
		r.u32() // credential
		r.opaque()
		r.u32() // verifier
		r.opaque()

		var w writer
		w.u32(xid)
		w.u32(1) // REPLY
		w.u32(0) // accepted
		w.u32(0) // verifier
		w.u32(0)
		w.u32(0) // success
		w.buf = append(w.buf, h(prog, proc, r)...)
		if err := writeRecord(conn, w.buf); err != nil {
			return
		}
	}
}

func (s *Server) portmap(prog, proc uint32, r *reader) []byte {
	var w writer
	if prog == pmapProgram && proc == 3 && r.u32() == coreProgram {
		w.u32(uint32(s.CorePort()))
	} else {
		w.u32(0)
	}
	return w.buf
}

func (s *Server) device(_, proc uint32, r *reader) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var w writer
	switch proc {
	case 10: // create_link
		r.u32()
		r.u32()
		r.u32()
		s.devices = append(s.devices, string(r.opaque()))
		w.u32(uint32(s.createLinkError))
		w.u32(1)
		w.u32(0)
		w.u32(s.maxRecvSize)
	case 11: // device_write
		r.u32()
		r.u32()
		r.u32()
		flags := r.u32()
		data := r.opaque()
		s.pending = append(s.pending, data...)
		if flags&flagEnd != 0 {
			msg := s.pending
			s.pending = nil
			s.writes = append(s.writes, msg)
			if s.handler != nil {
				if resp := s.handler(msg); resp != nil {
					s.responses = append(s.responses, resp)
				}
			}
		}
		w.u32(0)
		w.u32(uint32(len(data)))
	case 12: // device_read
		if len(s.responses) == 0 {
			w.u32(15) // I/O timeout
			w.u32(0)
			w.opaque(nil)
			break
		}
		resp := s.responses[0]
		reason := uint32(reasonEnd)
		if s.chunkSize > 0 && len(resp) > s.chunkSize {
			s.responses[0] = resp[s.chunkSize:]
			resp = resp[:s.chunkSize]
			reason = reasonReqCnt
		} else {
			s.responses = s.responses[1:]
		}
		w.u32(0)
		w.u32(reason)
		w.opaque(resp)
	case 13: // device_readstb
		w.u32(0)
		w.u32(uint32(s.stb))
	case 15: // device_clear
		s.clears++
		w.u32(0)
	case 17: // device_local
		s.locals++
		w.u32(0)
	case 23: // destroy_link
		s.destroys++
		w.u32(0)
	default:
		w.u32(8) // operation not supported
	}
	return w.buf
}

type writer struct{ buf []byte }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) opaque(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	w.buf = append(w.buf, make([]byte, (4-len(b)%4)%4)...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u32() uint32 {
	if r.off+4 > len(r.buf) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) opaque() []byte {
	n := int(r.u32())
	end := r.off + n
	if end > len(r.buf) {
		return nil
	}
	out := append([]byte(nil), r.buf[r.off:end]...)
	r.off = end + (4-n%4)%4
	return out
}

func readRecord(r io.Reader) ([]byte, error) {
	var msg []byte
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		h := binary.BigEndian.Uint32(hdr[:])
		frag := make([]byte, h&0x7fffffff)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		msg = append(msg, frag...)
		if h&0x80000000 != 0 {
			return msg, nil
		}
	}
}

func writeRecord(w io.Writer, msg []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 0x80000000|uint32(len(msg)))
	_, err := w.Write(append(hdr[:], msg...))
	return err
}
