package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadValueArrayOfBulkStrings(t *testing.T) {
	buf := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n")
	v, n, ok := ReadValue(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	require.Len(t, v.Array, 2)
	assert.Equal(t, "GET", string(v.Array[0].Bulk))
	assert.Equal(t, "foo", string(v.Array[1].Bulk))
}

func TestReadValueInlineCommand(t *testing.T) {
	buf := []byte("PING\r\n")
	v, n, ok := ReadValue(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "PING", v.Str)
}

func TestNullBulkStringRoundTrip(t *testing.T) {
	buf := WriteNullBulkString()
	v, n, ok := ReadValue(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.True(t, v.IsNull)
}

func TestIncompleteBufferNotOK(t *testing.T) {
	buf := []byte("*2\r\n$3\r\nGET\r\n$3\r\nfo")
	_, _, ok := ReadValue(buf)
	assert.False(t, ok)
}
