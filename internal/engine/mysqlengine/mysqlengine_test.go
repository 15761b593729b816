package mysqlengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func comQueryPacket(sql string) []byte {
	payload := append([]byte{comQuery}, []byte(sql)...)
	return writePacket(0, payload)
}

func TestParseClientComQuery(t *testing.T) {
	e := New()
	buf := comQueryPacket("SELECT * FROM users")
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, "select * from users", res.Operations[0].Fingerprint)
	assert.Equal(t, len(buf), res.Consumed)
}

func TestSynthesizeResultSetRoundTrip(t *testing.T) {
	e := New()
	mock := &model.Mock{
		Response: model.Response{
			Fields: []string{"id", "name"},
			Rows:   []map[string]any{{"id": "1", "name": "a"}},
		},
	}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	state := engine.NewConnState()
	res, err := e.ParseServer(out, state)
	require.NoError(t, err)
	// last frame carries the field names; row frames carry the row data
	var gotRow map[string]any
	for _, f := range res.Frames {
		if len(f.Response.Rows) == 1 {
			gotRow = f.Response.Rows[0]
		}
	}
	require.NotNil(t, gotRow)
	assert.Equal(t, "1", gotRow["id"])
	assert.Equal(t, "a", gotRow["name"])
}

func TestSynthesizeErrorResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{IsError: true, ErrMessage: "bad query"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Frames[0].Response.IsError)
	assert.Contains(t, res.Frames[0].Response.ErrMessage, "bad query")
}
