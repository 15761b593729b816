package httpengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func TestParseClientSimpleGET(t *testing.T) {
	e := New()
	raw := []byte("GET /users?id=1 HTTP/1.1\r\nHost: example.com\r\n\r\n")
	res, err := e.ParseClient(raw, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, "GET:/users?id=1", res.Operations[0].Fingerprint)
	assert.Equal(t, len(raw), res.Consumed)
}

func TestParseClientPartialFrameAcrossChunks(t *testing.T) {
	e := New()
	full := []byte("POST /x HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello")

	// deliver in arbitrary N chunks and assert the same operation results
	var acc []byte
	var lastOps []*model.Operation
	for i := 1; i <= len(full); i++ {
		acc = full[:i]
		res, err := e.ParseClient(acc, engine.NewConnState())
		require.NoError(t, err)
		if len(res.Operations) == 1 && res.Consumed == len(full) {
			lastOps = res.Operations
			break
		}
	}
	require.NotNil(t, lastOps)
	assert.Equal(t, "POST:/x", lastOps[0].Fingerprint)
	assert.Equal(t, []byte("hello"), lastOps[0].Params["body"])
}

func TestSynthesizeResponseHasMockMarker(t *testing.T) {
	e := New()
	mock := &model.Mock{
		Response: model.Response{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       []byte(`{"ok":true}`),
		},
	}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)
	assert.Contains(t, string(out), "X-Sniffler-Mock: true")
	assert.Contains(t, string(out), `{"ok":true}`)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, 200, res.Frames[0].Response.StatusCode)
	assert.Equal(t, []byte(`{"ok":true}`), res.Frames[0].Response.Body)
}
