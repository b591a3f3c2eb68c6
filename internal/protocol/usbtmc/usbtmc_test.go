package usbtmc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaggerSkipsZero(t *testing.T) {
	var tg Tagger
	assert.Equal(t, byte(1), tg.Next())
	for i := 2; i <= 255; i++ {
		tg.Next()
	}
	assert.Equal(t, byte(1), tg.Next())
}

func TestEncodeBulkOut(t *testing.T) {
	got := EncodeBulkOut(5, []byte("*IDN?\n"), true)

	require.Len(t, got, 20)
	assert.Equal(t, []byte{0x01, 5, 0xFA, 0x00, 6, 0, 0, 0, 0x01, 0, 0, 0}, got[:12])
	assert.Equal(t, []byte("*IDN?\n"), got[12:18])
	assert.Equal(t, []byte{0, 0}, got[18:])

	aligned := EncodeBulkOut(1, []byte("ABCD"), false)
	assert.Len(t, aligned, 16)
	assert.Equal(t, byte(0), aligned[8])
}

func TestEncodeRequestIn(t *testing.T) {
	got := EncodeRequestIn(7, 1024, '\n')
	assert.Equal(t, []byte{0x02, 7, 0xF8, 0, 0x00, 0x04, 0, 0, 0x02, '\n', 0, 0}, got)

	noTerm := EncodeRequestIn(7, 16, -1)
	assert.Equal(t, byte(0), noTerm[8])
	assert.Equal(t, byte(0), noTerm[9])
}

func TestDecodeBulkIn(t *testing.T) {
	packet := []byte{0x02, 9, 0xF6, 0, 3, 0, 0, 0, 0x01, 0, 0, 0, '1', '.', '5', 0}
	in, err := DecodeBulkIn(packet)
	require.NoError(t, err)
	assert.Equal(t, byte(9), in.Tag)
	assert.Equal(t, 3, in.TransferSize)
	assert.True(t, in.EOM)
	assert.Equal(t, []byte("1.5"), in.Data)
}

func TestDecodeBulkInRejects(t *testing.T) {
	_, err := DecodeBulkIn([]byte{0x02, 1})
	assert.Error(t, err)

	_, err = DecodeBulkIn([]byte{0x01, 1, 0xFE, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)

	_, err = DecodeBulkIn([]byte{0x02, 1, 0x00, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestResourceString(t *testing.T) {
	assert.Equal(t, "USB0::0x0957::0x1798::MY54321::INSTR", ResourceString(0x0957, 0x1798, "MY54321"))
}
