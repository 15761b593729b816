package mssqlengine

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/model"
)

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

func sqlBatchPacket(sql string) []byte {
	allHeaders := le32(4) // empty ALL_HEADERS: just its own 4-byte length
	payload := append(allHeaders, utf16LE(sql)...)
	return writePacket(typeSQLBatch, statusEOM, payload)
}

func TestParseClientSQLBatch(t *testing.T) {
	e := New()
	buf := sqlBatchPacket("SELECT * FROM accounts")
	res, err := e.ParseClient(buf, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.Equal(t, "select * from accounts", res.Operations[0].Fingerprint)
	assert.Equal(t, len(buf), res.Consumed)
}

func TestNVarCharNullParam(t *testing.T) {
	// name len (1 byte, unnamed=0), status (1 byte), type, NVARCHAR
	// decl length 0xffff => NULL.
	params := []byte{0x00, 0x00, paramNVarChar}
	params = append(params, le16(0xffff)...)
	out := parseParams(params)
	require.Len(t, out, 1)
	assert.Nil(t, out[0])
}

func TestSynthesizeResultSetRoundTrip(t *testing.T) {
	e := New()
	mock := &model.Mock{
		Response: model.Response{
			Fields: []string{"id", "name"},
			Rows:   []map[string]any{{"id": "1", "name": "ada"}},
		},
	}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	state := engine.NewConnState()
	res, err := e.ParseServer(out, state)
	require.NoError(t, err)

	var gotRow map[string]any
	for _, f := range res.Frames {
		if len(f.Response.Rows) == 1 {
			gotRow = f.Response.Rows[0]
		}
	}
	require.NotNil(t, gotRow)
	assert.Equal(t, "1", gotRow["id"])
	assert.Equal(t, "ada", gotRow["name"])
}

func TestSynthesizeErrorResponse(t *testing.T) {
	e := New()
	mock := &model.Mock{Response: model.Response{IsError: true, ErrMessage: "invalid column name"}}
	out, err := e.SynthesizeResponse(mock, &model.Operation{})
	require.NoError(t, err)

	res, err := e.ParseServer(out, engine.NewConnState())
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	assert.True(t, res.Frames[0].Response.IsError)
	assert.Contains(t, res.Frames[0].Response.ErrMessage, "invalid column name")
}
