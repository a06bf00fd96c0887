package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip_Scalars(t *testing.T) {
	var e Encoder
	e.U8(200)
	e.U32(70000)
	e.U64(1 << 40)
	e.I64(-5)
	e.Bool(true)
	e.Bool(false)

	d := NewDecoder(e.Bytes())
	assert.Equal(t, uint8(200), d.U8())
	assert.Equal(t, uint32(70000), d.U32())
	assert.Equal(t, uint64(1)<<40, d.U64())
	assert.Equal(t, int64(-5), d.I64())
	assert.True(t, d.Bool())
	assert.False(t, d.Bool())
	require.NoError(t, d.Finish())
}

func TestRoundTrip_StringAndBytes32(t *testing.T) {
	var b32 [32]byte
	for i := range b32 {
		b32[i] = byte(i * 3)
	}

	var e Encoder
	e.String("")
	e.String("héllo, wörld")
	e.Bytes32(b32)

	d := NewDecoder(e.Bytes())
	assert.Equal(t, "", d.String())
	assert.Equal(t, "héllo, wörld", d.String())
	assert.Equal(t, b32, d.Bytes32())
	require.NoError(t, d.Finish())
}

func TestRoundTrip_Options(t *testing.T) {
	u64 := uint64(99)
	i64 := int64(-1)
	u8 := uint8(3)

	var e Encoder
	e.OptionU64(nil)
	e.OptionU64(&u64)
	e.OptionI64(nil)
	e.OptionI64(&i64)
	e.OptionU8(nil)
	e.OptionU8(&u8)

	d := NewDecoder(e.Bytes())
	assert.Nil(t, d.OptionU64())
	require.NotNil(t, d.OptionU64())
	assert.Nil(t, d.OptionI64())
	require.NotNil(t, d.OptionI64())
	assert.Nil(t, d.OptionU8())
	require.NotNil(t, d.OptionU8())
	require.NoError(t, d.Finish())
}

func TestDecoder_ShortBuffer(t *testing.T) {
	d := NewDecoder([]byte{1, 2})
	d.U32()
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
}

func TestDecoder_StickyError(t *testing.T) {
	d := NewDecoder([]byte{1})
	d.U64() // fails
	first := d.Err()
	require.Error(t, first)

	// Further reads return zero values and keep the first error.
	assert.Equal(t, uint8(0), d.U8())
	assert.Equal(t, "", d.String())
	assert.Equal(t, first, d.Err())
}

func TestDecoder_TrailingBytes(t *testing.T) {
	var e Encoder
	e.U8(1)
	e.U8(2)

	d := NewDecoder(e.Bytes())
	d.U8()
	assert.ErrorIs(t, d.Finish(), ErrTrailingBytes)
}

func TestDecoder_InvalidBoolTag(t *testing.T) {
	d := NewDecoder([]byte{2})
	d.Bool()
	assert.ErrorIs(t, d.Err(), ErrInvalidTag)
}

func TestDecoder_InvalidOptionTag(t *testing.T) {
	d := NewDecoder([]byte{7})
	d.OptionU64()
	assert.ErrorIs(t, d.Err(), ErrInvalidTag)
}

func TestDecoder_StringLengthBeyondBuffer(t *testing.T) {
	var e Encoder
	e.U32(1000) // declared length far past the end

	d := NewDecoder(e.Bytes())
	_ = d.String()
	assert.ErrorIs(t, d.Err(), ErrShortBuffer)
}
