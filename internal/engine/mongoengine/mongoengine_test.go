package mongoengine

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/bson"
	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func opMsgPacket(reqID uint32, doc map[string]any) []byte {
	body := bson.Encode(doc)
	var section bytes.Buffer
	section.WriteByte(0x00)
	section.Write(body)

	total := headerLen + 4 + section.Len()
	var out bytes.Buffer
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(total))
	out.Write(b)
	binary.LittleEndian.PutUint32(b, reqID)
	out.Write(b)
	binary.LittleEndian.PutUint32(b, 0)
	out.Write(b)
	binary.LittleEndian.PutUint32(b, opMsg)
	out.Write(b)
	binary.LittleEndian.PutUint32(b, 0) // flagBits
	out.Write(b)
	out.Write(section.Bytes())
	return out.Bytes()
}

func TestParseClientFindCommand(t *testing.T) {
	e := New()
	buf := opMsgPacket(7, map[string]any{
		"find":   "users",
		"filter": map[string]any{"name": "ada"},
	})
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	op := res.Operations[0]
	assert.Equal(t, model.OpFind, op.Type)
	assert.Contains(t, op.Fingerprint, "db.users.find(")
	assert.Equal(t, len(buf), res.Consumed)
	assert.False(t, op.IsAuth)
}

func TestParseClientDetectsAuthCommand(t *testing.T) {
	e := New()
	buf := opMsgPacket(1, map[string]any{"ismaster": float64(1)})
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.True(t, res.Operations[0].IsAuth)
}

func TestParseClientHTTPSentinel(t *testing.T) {
	e := New()
	buf := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, model.OpParseError, res.Operations[0].Type)
	assert.Equal(t, len(buf), res.Consumed)
}

func TestSynthesizeFindResponseRoundTrip(t *testing.T) {
	e := New()
	originating := &model.Operation{
		Type:   model.OpFind,
		Params: map[string]any{"collection": "users", "requestId": "7"},
	}
	mock := &model.Mock{
		Response: model.Response{
			Documents: []map[string]any{{"name": "ada"}},
		},
	}
	out, err := e.SynthesizeResponse(mock, originating)
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	require.Len(t, res.Frames[0].Response.Documents, 1)
	assert.Equal(t, "ada", res.Frames[0].Response.Documents[0]["name"])
	assert.Equal(t, "7", res.Frames[0].RequestID)
}

func TestSynthesizeErrorResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{IsError: true, ErrMessage: "no such collection"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Frames[0].Response.IsError)
	assert.Contains(t, res.Frames[0].Response.ErrMessage, "no such collection")
}
