package vxi11

import (
	"encoding/binary"
	"errors"
)

var errShortXDR = errors.New("xdr: message too short")

// xdrWriter appends XDR (RFC 4506) encoded values to a buffer.
type xdrWriter struct {
	buf []byte
}

func (w *xdrWriter) uint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *xdrWriter) int32(v int32) { w.uint32(uint32(v)) }

func (w *xdrWriter) bool(v bool) {
	if v {
		w.uint32(1)
	} else {
		w.uint32(0)
	}
}

// opaque writes variable-length opaque data padded to a multiple of four.
func (w *xdrWriter) opaque(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	if pad := (4 - len(b)%4) % 4; pad > 0 {
		w.buf = append(w.buf, make([]byte, pad)...)
	}
}

func (w *xdrWriter) string(s string) { w.opaque([]byte(s)) }

func (w *xdrWriter) bytes() []byte { return w.buf }

// xdrReader decodes XDR values. The first failure sticks in err.
type xdrReader struct {
	buf []byte
	off int
	err error
}

func (r *xdrReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.err = errShortXDR
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *xdrReader) int32() int32 { return int32(r.uint32()) }

func (r *xdrReader) opaque() []byte {
	n := int(r.uint32())
	if r.err != nil {
		return nil
	}
	padded := n + (4-n%4)%4
	if n < 0 || r.off+padded > len(r.buf) {
		r.err = errShortXDR
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += padded
	return out
}
