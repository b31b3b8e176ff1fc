package ads

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []struct {
		dataType DataType
		value    interface{}
	}{
		{TypeBool, true},
		{TypeBool, false},
		{TypeByte, uint8(200)},
		{TypeWord, uint16(54321)},
		{TypeDWord, uint32(4000000000)},
		{TypeInt, int16(-12345)},
		{TypeDInt, int32(-2000000000)},
		{TypeReal, float32(23.5)},
		{TypeLReal, 3.14159265358979},
		{TypeString, "MAIN.temperature"},
	}

	for _, tc := range cases {
		raw, err := Encode(tc.value, tc.dataType)
		require.NoError(t, err, "encode %s", tc.dataType)

		size, err := SizeOf(tc.dataType)
		require.NoError(t, err)
		assert.Len(t, raw, size, "wire size of %s", tc.dataType)

		decoded, err := Decode(raw, tc.dataType)
		require.NoError(t, err, "decode %s", tc.dataType)
		assert.Equal(t, tc.value, decoded, "round trip %s", tc.dataType)
	}
}

func TestEncodeDecodeBytesRoundTrip(t *testing.T) {
	// encode(decode(b)) == b for fixed-size types
	cases := []struct {
		dataType DataType
		raw      []byte
	}{
		{TypeBool, []byte{1}},
		{TypeByte, []byte{0xAB}},
		{TypeWord, []byte{0x34, 0x12}},
		{TypeDWord, []byte{0x78, 0x56, 0x34, 0x12}},
		{TypeInt, []byte{0xFF, 0x7F}},
		{TypeDInt, []byte{0x00, 0x00, 0x00, 0x80}},
		{TypeReal, []byte{0x00, 0x00, 0xBC, 0x41}},
		{TypeLReal, []byte{0, 0, 0, 0, 0, 0, 0x37, 0x40}},
	}

	for _, tc := range cases {
		value, err := Decode(tc.raw, tc.dataType)
		require.NoError(t, err)
		raw, err := Encode(value, tc.dataType)
		require.NoError(t, err)
		assert.Equal(t, tc.raw, raw, "byte round trip %s", tc.dataType)
	}
}

func TestDecodeLittleEndian(t *testing.T) {
	v, err := Decode([]byte{0x01, 0x02}, TypeWord)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v)

	v, err = Decode([]byte{0xFE, 0xFF}, TypeInt)
	require.NoError(t, err)
	assert.Equal(t, int16(-2), v)

	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(23.5))
	v, err = Decode(raw, TypeReal)
	require.NoError(t, err)
	assert.InDelta(t, 23.5, float64(v.(float32)), 1e-6)
}

func TestDecodeBoolNonzero(t *testing.T) {
	for _, b := range []byte{1, 2, 0xFF} {
		v, err := Decode([]byte{b}, TypeBool)
		require.NoError(t, err)
		assert.Equal(t, true, v)
	}
	v, err := Decode([]byte{0}, TypeBool)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestDecodeStringNulTerminated(t *testing.T) {
	raw := make([]byte, stringSize)
	copy(raw, "hello")
	v, err := Decode(raw, TypeString)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestEncodeStringTruncatesAndTerminates(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	raw, err := Encode(string(long), TypeString)
	require.NoError(t, err)
	require.Len(t, raw, stringSize)
	assert.EqualValues(t, 0, raw[stringSize-1])
}

func TestDecodeShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0x01}, TypeDWord)
	assert.Error(t, err)
}

func TestEncodeAcceptsJSONNumbers(t *testing.T) {
	// values arriving over the REST/WebSocket surface decode as float64
	raw, err := Encode(float64(42), TypeDInt)
	require.NoError(t, err)
	v, err := Decode(raw, TypeDInt)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	raw, err = Encode(float64(1), TypeBool)
	require.NoError(t, err)
	v, err = Decode(raw, TypeBool)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestUnknownType(t *testing.T) {
	_, err := SizeOf(DataType("struct"))
	assert.Error(t, err)
	_, err = Decode([]byte{1}, DataType("struct"))
	assert.Error(t, err)
	_, err = Encode(1, DataType("struct"))
	assert.Error(t, err)
}
