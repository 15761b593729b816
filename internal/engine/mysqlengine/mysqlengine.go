// Package mysqlengine implements the MySQL client/server engine:
// 3-byte length + sequence-id packet framing, COM_QUERY and prepared
// statement commands, and the length-encoded integer/string codec.
package mysqlengine

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
)

const (
	comQuery        = 0x03
	comStmtPrepare  = 0x16
	comStmtExecute  = 0x17
	respOK          = 0x00
	respErr         = 0xff
	respEOF         = 0xfe
)

// Engine implements engine.Engine for the MySQL wire protocol.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolMySQL }

// ParseClient decodes COM_QUERY and COM_STMT_PREPARE/EXECUTE packets.
func (e *Engine) ParseClient(buf []byte, _ *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0

	for {
		rest := buf[consumed:]
		pkt, ok := readPacket(rest)
		if !ok {
			break
		}
		if len(pkt.payload) == 0 {
			consumed += pkt.total
			continue
		}
		cmd := pkt.payload[0]
		body := pkt.payload[1:]
		switch cmd {
		case comQuery:
			sql := string(body)
			ops = append(ops, newOp(sql))
		case comStmtPrepare:
			sql := string(body)
			ops = append(ops, newOp(sql))
		case comStmtExecute:
			if len(body) < 4 {
				ops = append(ops, parseErrorOp(pkt.payload))
			} else {
				stmtID := binary.LittleEndian.Uint32(body[0:4])
				ops = append(ops, &model.Operation{
					Protocol:    model.ProtocolMySQL,
					Type:        model.OpSelect,
					Status:      model.StatusPending,
					Fingerprint: fmt.Sprintf("stmt_execute:%d", stmtID),
					Params:      map[string]any{"statementId": stmtID},
				})
			}
		default:
			// other commands (ping, quit, init-db, ...) carry no SQL
		}
		consumed += pkt.total
	}

	return engine.ParseResult{Operations: ops, Consumed: consumed}, nil
}

// ParseServer decodes OK, ERR, EOF, and result-set packets (column
// count -> column defs -> EOF -> rows -> EOF).
func (e *Engine) ParseServer(buf []byte, state *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	phase, _ := state.Get("mysql_phase")
	phaseStr, _ := phase.(string)
	colCount, _ := state.Get("mysql_colcount")
	cc, _ := colCount.(int)
	var cols []string
	if v, ok := state.Get("mysql_cols"); ok {
		cols, _ = v.([]string)
	}

	for {
		rest := buf[consumed:]
		pkt, ok := readPacket(rest)
		if !ok {
			break
		}
		if len(pkt.payload) == 0 {
			consumed += pkt.total
			continue
		}
		first := pkt.payload[0]

		switch {
		case phaseStr == "" && first == respOK:
			frames = append(frames, engine.ServerFrame{Response: model.Response{}})
		case phaseStr == "" && first == respErr:
			frames = append(frames, engine.ServerFrame{Response: model.Response{
				IsError:    true,
				ErrMessage: parseErrPacket(pkt.payload),
			}})
		case phaseStr == "" && first != respEOF:
			n, _ := readLenEncInt(pkt.payload)
			cc = int(n)
			cols = nil
			phaseStr = "columns"
		case phaseStr == "columns" && first == respEOF:
			phaseStr = "rows"
		case phaseStr == "columns":
			cols = append(cols, parseColumnName(pkt.payload))
		case phaseStr == "rows" && first == respEOF:
			phaseStr = ""
			frames = append(frames, engine.ServerFrame{Response: model.Response{
				Fields: cols,
			}})
			cc = 0
			cols = nil
		case phaseStr == "rows":
			row := parseTextRow(pkt.payload, cols)
			frames = append(frames, engine.ServerFrame{Response: model.Response{
				Fields: cols,
				Rows:   []map[string]any{row},
			}})
		}

		consumed += pkt.total
	}

	state.Set("mysql_phase", phaseStr)
	state.Set("mysql_colcount", cc)
	state.Set("mysql_cols", cols)

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse composes column-count -> column-defs -> EOF ->
// rows -> EOF, or an ERR packet for error mocks.
func (e *Engine) SynthesizeResponse(mock *model.Mock, _ *model.Operation) ([]byte, error) {
	seq := byte(1)
	var out []byte

	if mock.Response.IsError {
		payload := []byte{respErr}
		payload = append(payload, le16(1234)...)
		payload = append(payload, '#')
		payload = append(payload, []byte("HY000")...)
		payload = append(payload, []byte(mock.Response.ErrMessage)...)
		out = append(out, writePacket(seq, payload)...)
		return out, nil
	}

	cols := mock.Response.Fields
	if len(cols) == 0 && len(mock.Response.Rows) > 0 {
		for k := range mock.Response.Rows[0] {
			cols = append(cols, k)
		}
	}

	out = append(out, writePacket(seq, encodeLenEncInt(uint64(len(cols))))...)
	seq++
	for _, c := range cols {
		out = append(out, writePacket(seq, encodeColumnDef(c))...)
		seq++
	}
	out = append(out, writePacket(seq, []byte{respEOF, 0, 0, 0, 0})...)
	seq++
	for _, row := range mock.Response.Rows {
		out = append(out, writePacket(seq, encodeTextRow(cols, row))...)
		seq++
	}
	out = append(out, writePacket(seq, []byte{respEOF, 0, 0, 0, 0})...)
	return out, nil
}

// --- packet framing ---

type packet struct {
	seq     byte
	payload []byte
	total   int
}

func readPacket(buf []byte) (packet, bool) {
	if len(buf) < 4 {
		return packet{}, false
	}
	length := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	if len(buf) < 4+length {
		return packet{}, false
	}
	return packet{seq: buf[3], payload: buf[4 : 4+length], total: 4 + length}, true
}

func writePacket(seq byte, payload []byte) []byte {
	l := len(payload)
	out := []byte{byte(l), byte(l >> 8), byte(l >> 16), seq}
	return append(out, payload...)
}

// --- length-encoded integers ---

func readLenEncInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), 1
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, 1
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, 1
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4
	case b[0] == 0xfe:
		if len(b) < 9 {
			return 0, 1
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	default:
		return 0, 1
	}
}

func encodeLenEncInt(n uint64) []byte {
	switch {
	case n < 0xfb:
		return []byte{byte(n)}
	case n < 0x10000:
		return append([]byte{0xfc}, le16(uint16(n))...)
	case n < 0x1000000:
		return []byte{0xfd, byte(n), byte(n >> 8), byte(n >> 16)}
	default:
		b := make([]byte, 9)
		b[0] = 0xfe
		binary.LittleEndian.PutUint64(b[1:], n)
		return b
	}
}

func encodeLenEncString(s string) []byte {
	out := encodeLenEncInt(uint64(len(s)))
	return append(out, []byte(s)...)
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// --- result-set field helpers ---

func parseColumnName(payload []byte) string {
	// column definition packet: catalog, schema, table, orgTable, name, ...
	// each a length-encoded string; the 5th is the display name.
	p := payload
	var name string
	for i := 0; i < 5; i++ {
		n, consumed := readLenEncInt(p)
		if consumed == 0 || len(p) < consumed+int(n) {
			return name
		}
		val := string(p[consumed : consumed+int(n)])
		p = p[consumed+int(n):]
		if i == 4 {
			name = val
		}
	}
	return name
}

func encodeColumnDef(name string) []byte {
	var b []byte
	b = append(b, encodeLenEncString("def")...)  // catalog
	b = append(b, encodeLenEncString("")...)      // schema
	b = append(b, encodeLenEncString("")...)      // table
	b = append(b, encodeLenEncString("")...)      // org table
	b = append(b, encodeLenEncString(name)...)    // name
	b = append(b, encodeLenEncString(name)...)    // org name
	b = append(b, 0x0c)                            // length of fixed fields
	b = append(b, le16(33)...)                     // character set (utf8)
	b = append(b, 0, 0, 0, 0)                      // column length
	b = append(b, 0xfd)                            // type: VAR_STRING
	b = append(b, le16(0)...)                      // flags
	b = append(b, 0)                               // decimals
	b = append(b, 0, 0)                             // filler
	return b
}

func parseTextRow(payload []byte, cols []string) map[string]any {
	row := make(map[string]any)
	p := payload
	for i := range cols {
		if len(p) == 0 {
			break
		}
		if p[0] == 0xfb {
			row[cols[i]] = nil
			p = p[1:]
			continue
		}
		n, consumed := readLenEncInt(p)
		if consumed == 0 || len(p) < consumed+int(n) {
			break
		}
		row[cols[i]] = string(p[consumed : consumed+int(n)])
		p = p[consumed+int(n):]
	}
	return row
}

func encodeTextRow(cols []string, row map[string]any) []byte {
	var b []byte
	for _, c := range cols {
		v, ok := row[c]
		if !ok || v == nil {
			b = append(b, 0xfb)
			continue
		}
		b = append(b, encodeLenEncString(fmt.Sprintf("%v", v))...)
	}
	return b
}

func parseErrPacket(payload []byte) string {
	if len(payload) < 9 {
		return ""
	}
	// payload[0]=0xff, [1:3]=code, [3]='#', [4:9]=sqlstate, [9:]=message
	return string(payload[9:])
}

func newOp(sql string) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolMySQL,
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

func parseErrorOp(raw []byte) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolMySQL,
		Type:        model.OpParseError,
		Status:      model.StatusFailed,
		Fingerprint: fmt.Sprintf("parse_error:%x", raw),
		Error:       &model.ErrorInfo{Message: "malformed mysql packet", Kind: "ParseError"},
	}
}
