package mqttc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	tests := []struct {
		value   uint32
		wantLen int
	}{
		{0, 1},
		{127, 1},
		{128, 2},
		{16383, 2},
		{16384, 3},
		{2097151, 3},
		{2097152, 4},
		{maxVarint, 4},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		n, err := encodeUvarint(&buf, tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.wantLen, n)
		assert.Equal(t, tt.wantLen, uvarintLen(tt.value))

		value, n, err := decodeUvarint(&buf)
		require.NoError(t, err)
		assert.Equal(t, tt.value, value)
		assert.Equal(t, tt.wantLen, n)
	}
}

func TestUvarintTooLarge(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeUvarint(&buf, maxVarint+1)
	assert.ErrorIs(t, err, ErrVarintTooLarge)
}

func TestUvarintMalformed(t *testing.T) {
	// Five continuation bytes can never terminate
	r := bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80})
	_, _, err := decodeUvarint(r)
	assert.ErrorIs(t, err, ErrVarintMalformed)
}

func TestUTF8RoundTrip(t *testing.T) {
	tests := []string{"", "hello", "topic/with/slashes", "ünïcödé"}

	for _, s := range tests {
		var buf bytes.Buffer
		_, err := encodeUTF8(&buf, s)
		require.NoError(t, err)

		decoded, _, err := decodeUTF8(&buf)
		require.NoError(t, err)
		assert.Equal(t, s, decoded)
	}
}

func TestUTF8Rejections(t *testing.T) {
	var buf bytes.Buffer
	_, err := encodeUTF8(&buf, "null\x00inside")
	assert.ErrorIs(t, err, ErrEmbeddedNull)

	buf.Reset()
	_, err = encodeUTF8(&buf, strings.Repeat("x", maxUint16+1))
	assert.ErrorIs(t, err, ErrStringTooLong)
}

func TestDecodeUTF8Truncated(t *testing.T) {
	// Length prefix promises more bytes than follow
	r := bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'})
	_, _, err := decodeUTF8(r)
	assert.Error(t, err)
}

func TestBytesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	data := []byte{0x01, 0x02, 0x00, 0xFF}

	_, err := encodeBytes(&buf, data)
	require.NoError(t, err)

	decoded, _, err := decodeBytes(&buf)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestStringPairRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	pair := StringPair{Key: "region", Value: "eu-west-1"}

	_, err := encodeStringPair(&buf, pair)
	require.NoError(t, err)

	decoded, _, err := decodeStringPair(&buf)
	require.NoError(t, err)
	assert.Equal(t, pair, decoded)
}

func TestIntegerRoundTrips(t *testing.T) {
	var buf bytes.Buffer

	_, err := writeUint16(&buf, 0xBEEF)
	require.NoError(t, err)
	v16, _, err := readUint16(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xBEEF), v16)

	buf.Reset()
	_, err = writeUint32(&buf, 0xDEADBEEF)
	require.NoError(t, err)
	v32, _, err := readUint32(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v32)
}
