package pgengine

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func startupPacket() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[4:8], 196608)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func simpleQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	msg := make([]byte, 0, 5+len(payload))
	msg = append(msg, 'Q')
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(4+len(payload)))
	msg = append(msg, lenBuf...)
	msg = append(msg, payload...)
	return msg
}

func TestParseClientSimpleQuery(t *testing.T) {
	e := New()
	state := engine.NewConnState()

	buf := append(startupPacket(), simpleQuery("SELECT 1")...)
	res, err := e.ParseClient(buf, state)
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, "select 1", res.Operations[0].Fingerprint)
	assert.Equal(t, model.OpSelect, res.Operations[0].Type)
	assert.Equal(t, len(buf), res.Consumed)
}

func TestSynthesizeResponseRoundTrip(t *testing.T) {
	e := New()
	mock := &model.Mock{
		Response: model.Response{
			Fields: []string{"id", "name"},
			Rows: []map[string]any{
				{"id": "1", "name": "a"},
			},
		},
	}
	op := &model.Operation{Type: model.OpSelect}
	out, err := e.SynthesizeResponse(mock, op)
	require.NoError(t, err)

	state := engine.NewConnState()
	res, err := e.ParseServer(out, state)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.Equal(t, []string{"id", "name"}, res.Frames[0].Response.Fields)
	require.Len(t, res.Frames[0].Response.Rows, 1)
	assert.Equal(t, "1", res.Frames[0].Response.Rows[0]["id"])
}

func TestSynthesizeErrorResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{IsError: true, ErrMessage: "boom"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Frames[0].Response.IsError)
	assert.Equal(t, "boom", res.Frames[0].Response.ErrMessage)
}
