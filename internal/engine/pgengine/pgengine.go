// Package pgengine implements the PostgreSQL frontend/backend
// engine: tag + big-endian length framing with a decode/encode split
// per message type.
package pgengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
)

const protocolVersion30 = 196608 // 3.0, 0x00030000

// Engine implements engine.Engine for the Postgres wire protocol.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolPostgreSQL }

// ParseClient decodes Q (simple query), P (parse), B (bind), E
// (execute), S (sync) and X (terminate) messages. The very first
// message on a connection is the untagged startup packet
// (len uint32 + protocol version uint32 + key/value params), which
// carries no SQL and yields no Operation.
func (e *Engine) ParseClient(buf []byte, state *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0

	if _, seenStartup := state.Get("startup_seen"); !seenStartup {
		n, ok := tryConsumeStartup(buf)
		if !ok {
			return engine.ParseResult{}, nil // wait for more bytes
		}
		consumed += n
		state.Set("startup_seen", true)
	}

	for {
		rest := buf[consumed:]
		if len(rest) < 5 {
			break
		}
		tag := rest[0]
		length := int(binary.BigEndian.Uint32(rest[1:5]))
		if length < 4 {
			ops = append(ops, parseErrorOp(rest[:1]))
			consumed++
			continue
		}
		total := 1 + length
		if len(rest) < total {
			break // partial frame
		}
		payload := rest[5:total]

		switch tag {
		case 'Q':
			sql := cstring(payload)
			ops = append(ops, newOp(sql))
		case 'P':
			parts := splitCStrings(payload, 2)
			if len(parts) >= 2 {
				ops = append(ops, newOp(parts[1]))
			}
		case 'B', 'E', 'S':
			// Bind/Execute/Sync carry no new SQL text of their own;
			// they belong to the most recently Parsed statement.
		case 'X':
			ops = append(ops, &model.Operation{
				Protocol:    model.ProtocolPostgreSQL,
				Type:        model.OpConnection,
				Status:      model.StatusSuccess,
				Fingerprint: "terminate",
			})
		default:
			// Unknown tag: not fatal, just nothing to extract.
		}

		consumed += total
	}

	return engine.ParseResult{Operations: ops, Consumed: consumed}, nil
}

// ParseServer decodes T (row description), D (data row), C (command
// complete), Z (ready for query) and E (error response).
func (e *Engine) ParseServer(buf []byte, state *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	var cols []string
	if v, ok := state.Get("pg_cols"); ok {
		cols, _ = v.([]string)
	}
	var rows []map[string]any

	for {
		rest := buf[consumed:]
		if len(rest) < 5 {
			break
		}
		tag := rest[0]
		length := int(binary.BigEndian.Uint32(rest[1:5]))
		if length < 4 {
			break
		}
		total := 1 + length
		if len(rest) < total {
			break
		}
		payload := rest[5:total]

		switch tag {
		case 'T':
			cols = parseRowDescription(payload)
			state.Set("pg_cols", cols)
		case 'D':
			rows = append(rows, parseDataRow(payload, cols))
		case 'C':
			tagStr := cstring(payload)
			frames = append(frames, engine.ServerFrame{Response: model.Response{
				Rows:   rows,
				Fields: cols,
				Value:  tagStr,
			}})
			rows = nil
		case 'E':
			frames = append(frames, engine.ServerFrame{Response: model.Response{
				IsError:    true,
				ErrMessage: parseErrorFields(payload),
			}})
		case 'Z':
			// ready for query: no response payload of its own
		}

		consumed += total
	}

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse emits T/D*/C/Z for non-error mocks, or E for
// error mocks.
func (e *Engine) SynthesizeResponse(mock *model.Mock, originating *model.Operation) ([]byte, error) {
	var buf bytes.Buffer

	if mock.Response.IsError {
		writeErrorResponse(&buf, mock.Response.ErrMessage)
		writeReadyForQuery(&buf)
		return buf.Bytes(), nil
	}

	cols := mock.Response.Fields
	if len(cols) == 0 && len(mock.Response.Rows) > 0 {
		for k := range mock.Response.Rows[0] {
			cols = append(cols, k)
		}
	}
	writeRowDescription(&buf, cols)
	for _, row := range mock.Response.Rows {
		writeDataRow(&buf, cols, row)
	}
	writeCommandComplete(&buf, commandTag(originating, len(mock.Response.Rows)))
	writeReadyForQuery(&buf)
	return buf.Bytes(), nil
}

// --- helpers ---

func tryConsumeStartup(buf []byte) (int, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length < 8 || len(buf) < length {
		return 0, false
	}
	return length, true
}

func newOp(sql string) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolPostgreSQL,
		Fingerprint: fingerprint.SQL(sql),
		Type:        classifySQL(sql),
		Status:      model.StatusPending,
		Params:      map[string]any{"sql": sql},
	}
}

func classifySQL(sql string) model.OperationType {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(sql)))
	if len(fields) == 0 {
		return model.OpUnknown
	}
	switch fields[0] {
	case "select":
		return model.OpSelect
	case "insert":
		return model.OpInsert
	case "update":
		return model.OpUpdate
	case "delete":
		return model.OpDelete
	default:
		return model.OpUnknown
	}
}

func commandTag(op *model.Operation, rowCount int) string {
	t := model.OpSelect
	if op != nil {
		t = op.Type
	}
	switch t {
	case model.OpInsert:
		return fmt.Sprintf("INSERT 0 %d", max(rowCount, 1))
	case model.OpUpdate:
		return fmt.Sprintf("UPDATE %d", max(rowCount, 1))
	case model.OpDelete:
		return fmt.Sprintf("DELETE %d", max(rowCount, 1))
	default:
		return fmt.Sprintf("SELECT %d", rowCount)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func cstring(b []byte) string {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return string(b)
	}
	return string(b[:idx])
}

// splitCStrings splits payload into up to n NUL-terminated strings.
func splitCStrings(b []byte, n int) []string {
	var out []string
	for len(out) < n {
		idx := bytes.IndexByte(b, 0)
		if idx < 0 {
			break
		}
		out = append(out, string(b[:idx]))
		b = b[idx+1:]
	}
	return out
}

func parseErrorOp(raw []byte) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolPostgreSQL,
		Type:        model.OpParseError,
		Status:      model.StatusFailed,
		Fingerprint: fmt.Sprintf("parse_error:%x", raw),
		Error:       &model.ErrorInfo{Message: "malformed postgres frame", Kind: "ParseError"},
	}
}

func parseRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	cols := make([]string, 0, n)
	p := payload[2:]
	for i := 0; i < n; i++ {
		idx := bytes.IndexByte(p, 0)
		if idx < 0 {
			break
		}
		cols = append(cols, string(p[:idx]))
		p = p[idx+1:]
		if len(p) < 18 {
			break
		}
		p = p[18:] // tableOID(4)+colAttr(2)+typeOID(4)+typeLen(2)+typeMod(4)+format(2)
	}
	return cols
}

func parseDataRow(payload []byte, cols []string) map[string]any {
	row := make(map[string]any)
	if len(payload) < 2 {
		return row
	}
	n := int(binary.BigEndian.Uint16(payload[0:2]))
	p := payload[2:]
	for i := 0; i < n; i++ {
		if len(p) < 4 {
			break
		}
		l := int32(binary.BigEndian.Uint32(p[0:4]))
		p = p[4:]
		var val any
		if l < 0 {
			val = nil
		} else {
			if len(p) < int(l) {
				break
			}
			val = string(p[:l])
			p = p[l:]
		}
		key := fmt.Sprintf("col%d", i)
		if i < len(cols) {
			key = cols[i]
		}
		row[key] = val
	}
	return row
}

func parseErrorFields(payload []byte) string {
	var msg string
	p := payload
	for len(p) > 0 && p[0] != 0 {
		fieldType := p[0]
		idx := bytes.IndexByte(p[1:], 0)
		if idx < 0 {
			break
		}
		val := string(p[1 : 1+idx])
		if fieldType == 'M' {
			msg = val
		}
		p = p[1+idx+1:]
	}
	return msg
}

func writeRowDescription(buf *bytes.Buffer, cols []string) {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, uint16(len(cols)))
	for _, c := range cols {
		payload.WriteString(c)
		payload.WriteByte(0)
		binary.Write(&payload, binary.BigEndian, uint32(0))  // table OID
		binary.Write(&payload, binary.BigEndian, uint16(0))  // column attr
		binary.Write(&payload, binary.BigEndian, uint32(25)) // type OID: text
		binary.Write(&payload, binary.BigEndian, int16(-1))  // type len
		binary.Write(&payload, binary.BigEndian, int32(-1))  // type mod
		binary.Write(&payload, binary.BigEndian, uint16(0))  // format: text
	}
	writeMessage(buf, 'T', payload.Bytes())
}

func writeDataRow(buf *bytes.Buffer, cols []string, row map[string]any) {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, uint16(len(cols)))
	for _, c := range cols {
		v, ok := row[c]
		if !ok || v == nil {
			binary.Write(&payload, binary.BigEndian, int32(-1))
			continue
		}
		s := fmt.Sprintf("%v", v)
		binary.Write(&payload, binary.BigEndian, uint32(len(s)))
		payload.WriteString(s)
	}
	writeMessage(buf, 'D', payload.Bytes())
}

func writeCommandComplete(buf *bytes.Buffer, tag string) {
	var payload bytes.Buffer
	payload.WriteString(tag)
	payload.WriteByte(0)
	writeMessage(buf, 'C', payload.Bytes())
}

func writeReadyForQuery(buf *bytes.Buffer) {
	writeMessage(buf, 'Z', []byte{'I'})
}

func writeErrorResponse(buf *bytes.Buffer, message string) {
	var payload bytes.Buffer
	payload.WriteByte('S')
	payload.WriteString("ERROR")
	payload.WriteByte(0)
	payload.WriteByte('C')
	payload.WriteString("58000")
	payload.WriteByte(0)
	payload.WriteByte('M')
	payload.WriteString(message)
	payload.WriteByte(0)
	payload.WriteByte(0)
	writeMessage(buf, 'E', payload.Bytes())
}

func writeMessage(buf *bytes.Buffer, tag byte, payload []byte) {
	buf.WriteByte(tag)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)+4))
	buf.Write(payload)
}
