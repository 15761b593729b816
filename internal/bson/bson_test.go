package bson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := map[string]any{
		"a": "1",
		"b": int32(42),
		"c": true,
		"d": map[string]any{"nested": "yes"},
	}
	enc := Encode(doc)
	dec, n, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), n)
	assert.Equal(t, "1", dec["a"])
	assert.Equal(t, int32(42), dec["b"])
	assert.Equal(t, true, dec["c"])
	nested, ok := dec["d"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", nested["nested"])
}

func TestDecodeArray(t *testing.T) {
	doc := map[string]any{"arr": []any{"x", "y", "z"}}
	enc := Encode(doc)
	dec, _, err := Decode(enc)
	require.NoError(t, err)
	arr, ok := dec["arr"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"x", "y", "z"}, arr)
}

func TestDecodeUnknownTypeStopsGracefully(t *testing.T) {
	// hand-craft a doc with a field of an unsupported type (0x7F) to
	// ensure decoding returns what it has rather than erroring out.
	raw := []byte{0x7F}
	raw = append(raw, []byte("x")...)
	raw = append(raw, 0x00)
	raw = append(raw, []byte{0xDE, 0xAD}...)
	body := append([]byte{}, raw...)
	body = append(body, 0x00)
	total := len(body) + 4
	buf := make([]byte, 4, total)
	buf[0] = byte(total)
	buf = append(buf, body...)

	dec, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, total, n)
	assert.Empty(t, dec)
}
