package handler

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labinstr/internal/block"
)

func TestSampleValuesNonFiniteFloatsEncodeAsNull(t *testing.T) {
	data := make([]byte, 0, 16)
	for _, v := range []float32{1.5, float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	format, err := block.ParseFormat("<f4")
	require.NoError(t, err)
	samples, err := block.Decode(block.Encode(data), format)
	require.NoError(t, err)

	out, err := json.Marshal(BlockResult{Format: format.String(), Count: samples.Len(), Values: sampleValues(samples)})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"values":[1.5,null,null,null]`)
}

func TestSampleValuesIntegers(t *testing.T) {
	format, err := block.ParseFormat("int8")
	require.NoError(t, err)
	samples, err := block.Decode(block.Encode([]byte{0xFF, 0x02}), format)
	require.NoError(t, err)

	out, err := json.Marshal(sampleValues(samples))
	require.NoError(t, err)
	assert.JSONEq(t, `[-1,2]`, string(out))
}
