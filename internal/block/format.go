package block

import (
	"encoding/binary"
	"fmt"
	"strings"

	"labinstr/internal/model"
)

// Kind is the numeric interpretation of one element.
type Kind int

const (
	Int Kind = iota
	Uint
	Float
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Float:
		return "float"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Format describes how the data region of a block is reinterpreted: the
// element kind, its width in bytes and the byte order.
type Format struct {
	Kind  Kind
	Width int
	Order binary.ByteOrder
}

// Common element formats.
var (
	Uint8     = Format{Kind: Uint, Width: 1, Order: binary.LittleEndian}
	Int8      = Format{Kind: Int, Width: 1, Order: binary.LittleEndian}
	Int16BE   = Format{Kind: Int, Width: 2, Order: binary.BigEndian}
	Int16LE   = Format{Kind: Int, Width: 2, Order: binary.LittleEndian}
	Int32BE   = Format{Kind: Int, Width: 4, Order: binary.BigEndian}
	Int32LE   = Format{Kind: Int, Width: 4, Order: binary.LittleEndian}
	Float32BE = Format{Kind: Float, Width: 4, Order: binary.BigEndian}
	Float32LE = Format{Kind: Float, Width: 4, Order: binary.LittleEndian}
	Float64BE = Format{Kind: Float, Width: 8, Order: binary.BigEndian}
	Float64LE = Format{Kind: Float, Width: 8, Order: binary.LittleEndian}
)

// Validate reports whether the width is legal for the kind.
func (f Format) Validate() error {
	if f.Order == nil {
		return fmt.Errorf("%w: format has no byte order", model.ErrConfiguration)
	}
	switch f.Kind {
	case Int, Uint:
		switch f.Width {
		case 1, 2, 4, 8:
			return nil
		}
	case Float:
		switch f.Width {
		case 4, 8:
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported element format %s", model.ErrConfiguration, f)
}

func (f Format) String() string {
	order := "<"
	if f.Order == binary.BigEndian {
		order = ">"
	}
	var c byte
	switch f.Kind {
	case Int:
		c = 'i'
	case Uint:
		c = 'u'
	default:
		c = 'f'
	}
	return fmt.Sprintf("%s%c%d", order, c, f.Width)
}

// ParseFormat parses a numpy-style dtype descriptor. Named types
// ("uint8", "int16", "float32", "float64", ...) default to little endian.
// Short codes take an optional order prefix: '<' little, '>' or '!' big,
// '|' or '=' not applicable / native-little, e.g. ">i2", "<f8", "|u1".
// A trailing "be" or "le" on a named type selects the order: "int16be".
func ParseFormat(s string) (Format, error) {
	desc := strings.ToLower(strings.TrimSpace(s))
	if desc == "" {
		return Format{}, fmt.Errorf("%w: empty format descriptor", model.ErrConfiguration)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch desc[0] {
	case '>', '!':
		order = binary.BigEndian
		desc = desc[1:]
	case '<', '|', '=':
		desc = desc[1:]
	}
	f, ok := namedFormats[desc]
	if !ok {
		switch {
		case strings.HasSuffix(desc, "be"):
			f, ok = namedFormats[strings.TrimSuffix(desc, "be")]
			order = binary.BigEndian
		case strings.HasSuffix(desc, "le"):
			f, ok = namedFormats[strings.TrimSuffix(desc, "le")]
		}
	}
	if !ok {
		return Format{}, fmt.Errorf("%w: unknown format descriptor %q", model.ErrConfiguration, s)
	}
	f.Order = order
	return f, nil
}

var namedFormats = map[string]Format{
	"uint8": {Kind: Uint, Width: 1}, "u1": {Kind: Uint, Width: 1}, "b1": {Kind: Uint, Width: 1}, "byte": {Kind: Uint, Width: 1},
	"int8": {Kind: Int, Width: 1}, "i1": {Kind: Int, Width: 1},
	"uint16": {Kind: Uint, Width: 2}, "u2": {Kind: Uint, Width: 2},
	"int16": {Kind: Int, Width: 2}, "i2": {Kind: Int, Width: 2},
	"uint32": {Kind: Uint, Width: 4}, "u4": {Kind: Uint, Width: 4},
	"int32": {Kind: Int, Width: 4}, "i4": {Kind: Int, Width: 4},
	"uint64": {Kind: Uint, Width: 8}, "u8": {Kind: Uint, Width: 8},
	"int64": {Kind: Int, Width: 8}, "i8": {Kind: Int, Width: 8},
	"float32": {Kind: Float, Width: 4}, "f4": {Kind: Float, Width: 4}, "real32": {Kind: Float, Width: 4},
	"float64": {Kind: Float, Width: 8}, "f8": {Kind: Float, Width: 8}, "real64": {Kind: Float, Width: 8}, "double": {Kind: Float, Width: 8},
}
