package block

import (
	"math"
)

// Samples is the decoded data region of a block. The element values are
// produced lazily in whichever representation the caller asks for.
type Samples struct {
	format Format
	data   []byte
}

// Len returns the number of elements.
func (s Samples) Len() int {
	if s.format.Width == 0 {
		return 0
	}
	return len(s.data) / s.format.Width
}

// Format returns the element format the block was decoded with.
func (s Samples) Format() Format { return s.format }

// Raw returns the data region bytes.
func (s Samples) Raw() []byte { return s.data }

// Float64s returns every element converted to float64.
func (s Samples) Float64s() []float64 {
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = s.float64At(i)
	}
	return out
}

// Int64s returns every element converted to int64. Float elements are
// truncated toward zero.
func (s Samples) Int64s() []int64 {
	out := make([]int64, s.Len())
	for i := range out {
		switch s.format.Kind {
		case Float:
			out[i] = int64(s.float64At(i))
		case Int:
			out[i] = s.int64At(i)
		default:
			out[i] = int64(s.uint64At(i))
		}
	}
	return out
}

// Uint64s returns every element converted to uint64.
func (s Samples) Uint64s() []uint64 {
	out := make([]uint64, s.Len())
	for i := range out {
		switch s.format.Kind {
		case Float:
			out[i] = uint64(s.float64At(i))
		case Int:
			out[i] = uint64(s.int64At(i))
		default:
			out[i] = s.uint64At(i)
		}
	}
	return out
}

func (s Samples) element(i int) []byte {
	w := s.format.Width
	return s.data[i*w : (i+1)*w]
}

func (s Samples) uint64At(i int) uint64 {
	b := s.element(i)
	switch s.format.Width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(s.format.Order.Uint16(b))
	case 4:
		return uint64(s.format.Order.Uint32(b))
	default:
		return s.format.Order.Uint64(b)
	}
}

func (s Samples) int64At(i int) int64 {
	u := s.uint64At(i)
	switch s.format.Width {
	case 1:
		return int64(int8(u))
	case 2:
		return int64(int16(u))
	case 4:
		return int64(int32(u))
	default:
		return int64(u)
	}
}

func (s Samples) float64At(i int) float64 {
	switch s.format.Kind {
	case Float:
		if s.format.Width == 4 {
			return float64(math.Float32frombits(uint32(s.uint64At(i))))
		}
		return math.Float64frombits(s.uint64At(i))
	case Int:
		return float64(s.int64At(i))
	default:
		return float64(s.uint64At(i))
	}
}
