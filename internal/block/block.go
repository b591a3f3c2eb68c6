// Package block extracts IEEE-488.2 arbitrary binary blocks from instrument
// responses and reinterprets the data region as fixed-width samples.
//
// A definite-length block is '#', one ASCII digit n, n ASCII digits giving
// the byte length L, then exactly L data bytes. Anything before the '#' or
// after the data region is ignored.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"labinstr/internal/model"
)

const marker = '#'

// Extract returns the data region of the first block found in buf. The
// returned slice aliases buf.
func Extract(buf []byte) ([]byte, error) {
	start := bytes.IndexByte(buf, marker)
	if start < 0 {
		return nil, fmt.Errorf("%w: no '#' header marker", model.ErrMalformedBlock)
	}
	pos := start + 1
	if pos >= len(buf) {
		return nil, fmt.Errorf("%w: header truncated after '#'", model.ErrMalformedBlock)
	}
	c := buf[pos]
	if c < '0' || c > '9' {
		return nil, fmt.Errorf("%w: digit count %q is not a digit", model.ErrMalformedBlock, c)
	}
	digitCount := int(c - '0')
	pos++

	// #0 is the indefinite-length form: data runs to the end of the
	// message, which is terminated by a single LF.
	if digitCount == 0 {
		data := buf[pos:]
		if n := len(data); n > 0 && data[n-1] == '\n' {
			data = data[:n-1]
		}
		return data, nil
	}

	if pos+digitCount > len(buf) {
		return nil, fmt.Errorf("%w: expected %d length digits, got %d",
			model.ErrMalformedBlock, digitCount, len(buf)-pos)
	}
	digits := buf[pos : pos+digitCount]
	for _, d := range digits {
		if d < '0' || d > '9' {
			return nil, fmt.Errorf("%w: length digits %q are not numeric", model.ErrMalformedBlock, digits)
		}
	}
	length, err := strconv.ParseUint(string(digits), 10, 31)
	if err != nil {
		return nil, fmt.Errorf("%w: length %q: %v", model.ErrMalformedBlock, digits, err)
	}
	pos += digitCount

	end := pos + int(length)
	if end > len(buf) {
		return nil, fmt.Errorf("%w: short data, header announces %d bytes but %d follow",
			model.ErrMalformedBlock, length, len(buf)-pos)
	}
	return buf[pos:end], nil
}

// Missing reports how many bytes buf still lacks to hold the definite-length
// block that starts in it. It is zero once the block is complete and also
// when buf holds no parsable definite-length header; Extract reports the
// latter.
func Missing(buf []byte) int {
	start := bytes.IndexByte(buf, marker)
	if start < 0 || start+2 > len(buf) {
		return 0
	}
	c := buf[start+1]
	if c < '1' || c > '9' {
		return 0
	}
	pos := start + 2
	digitCount := int(c - '0')
	if pos+digitCount > len(buf) {
		return pos + digitCount - len(buf)
	}
	length, err := strconv.ParseUint(string(buf[pos:pos+digitCount]), 10, 31)
	if err != nil {
		return 0
	}
	if need := pos + digitCount + int(length) - len(buf); need > 0 {
		return need
	}
	return 0
}

// Decode extracts the block in buf and reinterprets its data region per f.
func Decode(buf []byte, f Format) (Samples, error) {
	if err := f.Validate(); err != nil {
		return Samples{}, err
	}
	data, err := Extract(buf)
	if err != nil {
		return Samples{}, err
	}
	if len(data)%f.Width != 0 {
		return Samples{}, fmt.Errorf("%w: %d data bytes is not a multiple of element width %d",
			model.ErrMalformedBlock, len(data), f.Width)
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	return Samples{format: f, data: raw}, nil
}

// Encode wraps data in a definite-length block header.
func Encode(data []byte) []byte {
	length := strconv.Itoa(len(data))
	out := make([]byte, 0, 2+len(length)+len(data))
	out = append(out, marker, byte('0'+len(length)))
	out = append(out, length...)
	return append(out, data...)
}

// EncodeSamples packs values per f and wraps them in a block. Values are
// converted to the element kind with Go conversion rules.
func EncodeSamples(values []float64, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	data := make([]byte, len(values)*f.Width)
	for i, v := range values {
		putElement(data[i*f.Width:], f, v)
	}
	return Encode(data), nil
}

func putElement(b []byte, f Format, v float64) {
	switch f.Kind {
	case Float:
		if f.Width == 4 {
			f.Order.PutUint32(b, math.Float32bits(float32(v)))
		} else {
			f.Order.PutUint64(b, math.Float64bits(v))
		}
	case Int:
		putUint(b, f.Order, f.Width, uint64(int64(v)))
	default:
		putUint(b, f.Order, f.Width, uint64(v))
	}
}

func putUint(b []byte, order binary.ByteOrder, width int, u uint64) {
	switch width {
	case 1:
		b[0] = byte(u)
	case 2:
		order.PutUint16(b, uint16(u))
	case 4:
		order.PutUint32(b, uint32(u))
	default:
		order.PutUint64(b, u)
	}
}
