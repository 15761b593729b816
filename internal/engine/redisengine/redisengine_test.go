package redisengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func arrayCommand(parts ...string) []byte {
	out := []byte("*" + itoa(len(parts)) + "\r\n")
	for _, p := range parts {
		out = append(out, []byte("$"+itoa(len(p))+"\r\n"+p+"\r\n")...)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestParseClientGetCommand(t *testing.T) {
	e := New()
	buf := arrayCommand("GET", "foo")
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, model.OpRead, res.Operations[0].Type)
	assert.Equal(t, "GET foo", res.Operations[0].Fingerprint)
	assert.Equal(t, len(buf), res.Consumed)
}

func TestParseClientSetIsWrite(t *testing.T) {
	e := New()
	buf := arrayCommand("SET", "foo", "bar")
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, model.OpWrite, res.Operations[0].Type)
}

func TestSynthesizeBulkStringResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{Value: "bar"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)
	assert.Equal(t, "$3\r\nbar\r\n", string(out))

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, "bar", res.Frames[0].Response.Value)
}

func TestSynthesizeNullResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{Value: nil}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)
	assert.Equal(t, "$-1\r\n", string(out))
}

func TestSynthesizeErrorResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{IsError: true, ErrMessage: "WRONGTYPE bad op"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Frames[0].Response.IsError)
	assert.Contains(t, res.Frames[0].Response.ErrMessage, "WRONGTYPE")
}
