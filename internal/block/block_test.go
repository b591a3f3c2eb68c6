package block

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/model"
)

func TestDecodeInt16BigEndian(t *testing.T) {
	payload := []byte{0x00, 0x64, 0xFF, 0xCE, 0x00, 0x00, 0x7F, 0xFF}

	for _, header := range []string{"#18", "#40008"} {
		t.Run(header, func(t *testing.T) {
			buf := append([]byte(header), payload...)
			buf = append(buf, '\n')

			s, err := Decode(buf, Int16BE)
			require.NoError(t, err)
			assert.Equal(t, 4, s.Len())
			assert.Equal(t, []int64{100, -50, 0, 32767}, s.Int64s())
			assert.Equal(t, []float64{100, -50, 0, 32767}, s.Float64s())
		})
	}
}

func TestDecodeFloat64LittleEndian(t *testing.T) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:], math.Float64bits(1.5))
	binary.LittleEndian.PutUint64(payload[8:], math.Float64bits(-2.25))

	for _, header := range []string{"#216", "#6000016"} {
		t.Run(header, func(t *testing.T) {
			buf := append([]byte(header), payload...)

			f, err := ParseFormat("float64")
			require.NoError(t, err)
			s, err := Decode(buf, f)
			require.NoError(t, err)
			assert.Equal(t, []float64{1.5, -2.25}, s.Float64s())
		})
	}
}

func TestExtractIgnoresSurroundingBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, '#', 5}
	blk := Encode(data)

	buf := append([]byte(":CURV "), blk...)
	buf = append(buf, "\r\ngarbage"...)

	got, err := Extract(buf)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestExtractIndefiniteLength(t *testing.T) {
	got, err := Extract([]byte("#0\x01\x02\x03\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestExtractMalformed(t *testing.T) {
	tests := []struct {
		name string
		buf  string
	}{
		{name: "no marker", buf: "1.2345\n"},
		{name: "empty", buf: ""},
		{name: "truncated after marker", buf: "abc#"},
		{name: "digit count not a digit", buf: "#A1234"},
		{name: "length digits missing", buf: "#41"},
		{name: "length digits non numeric", buf: "#3x12abc"},
		{name: "short data", buf: "#210abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract([]byte(tt.buf))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrMalformedBlock)
		})
	}
}

func TestDecodeWidthMismatch(t *testing.T) {
	_, err := Decode(Encode([]byte{1, 2, 3}), Int16LE)
	assert.ErrorIs(t, err, model.ErrMalformedBlock)
}

func TestDecodeRejectsInvalidFormat(t *testing.T) {
	_, err := Decode(Encode([]byte{1, 2, 3}), Format{Kind: Float, Width: 2, Order: binary.BigEndian})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestDecodeCopiesData(t *testing.T) {
	buf := Encode([]byte{7, 8})
	s, err := Decode(buf, Uint8)
	require.NoError(t, err)

	buf[len(buf)-1] = 0
	assert.Equal(t, []uint64{7, 8}, s.Uint64s())
}

func TestEncodeSamplesRoundTrip(t *testing.T) {
	formats := []Format{Int8, Uint8, Int16BE, Int16LE, Int32BE, Int32LE, Float32BE, Float32LE, Float64BE, Float64LE}
	values := []float64{0, 1, 2, 100, 120}

	for _, f := range formats {
		t.Run(f.String(), func(t *testing.T) {
			buf, err := EncodeSamples(values, f)
			require.NoError(t, err)

			s, err := Decode(buf, f)
			require.NoError(t, err)
			assert.Equal(t, values, s.Float64s())
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	assert.Equal(t, []byte("#13abc"), Encode([]byte("abc")))
	assert.True(t, bytes.HasPrefix(Encode(make([]byte, 1000)), []byte("#41000")))
	assert.Equal(t, []byte("#10"), Encode(nil))
}

func TestMissing(t *testing.T) {
	full := Encode([]byte("abcdefgh"))
	assert.Equal(t, 0, Missing(full))
	assert.Equal(t, 3, Missing(full[:len(full)-3]))
	assert.Equal(t, 3, Missing([]byte("junk#3")))
	assert.Equal(t, 0, Missing([]byte("no header")))
	assert.Equal(t, 0, Missing([]byte("#0indefinite\n")))
	assert.Equal(t, 0, Missing([]byte("#2x1abc")))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		desc string
		want Format
	}{
		{"uint8", Uint8},
		{"|u1", Uint8},
		{"int16", Int16LE},
		{">i2", Int16BE},
		{"!i2", Int16BE},
		{"int16be", Int16BE},
		{"<f8", Float64LE},
		{"float64", Float64LE},
		{">f4", Float32BE},
		{"Float32", Float32LE},
		{"double", Float64LE},
		{">i4", Int32BE},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := ParseFormat(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "complex128", ">x2"} {
		_, err := ParseFormat(bad)
		assert.ErrorIs(t, err, model.ErrConfiguration, bad)
	}
}

func FuzzExtract(f *testing.F) {
	f.Add([]byte("#18\x00\x64\xff\xce\x00\x00\x7f\xff\n"))
	f.Add([]byte("#0abc\n"))
	f.Add([]byte("no block"))
	f.Add([]byte("#9999999999"))

	f.Fuzz(func(t *testing.T, buf []byte) {
		data, err := Extract(buf)
		if err != nil {
			assert.ErrorIs(t, err, model.ErrMalformedBlock)
			return
		}
		assert.LessOrEqual(t, len(data), len(buf))
	})
}

func FuzzEncodeExtract(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte("#13abc"))

	f.Fuzz(func(t *testing.T, data []byte) {
		prefix := []byte("DATA ")
		buf := append(prefix, Encode(data)...)
		got, err := Extract(append(buf, '\n'))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})
}
