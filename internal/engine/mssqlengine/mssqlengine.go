// Package mssqlengine implements the Microsoft SQL Server TDS
// engine: packet-header framing, ALL_HEADERS, SQL Batch and RPC
// decoding, and token-stream result decoding, built in the same
// length-prefixed-buffer style as the other SQL engines.
package mssqlengine

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
)

const (
	headerLen = 8

	typeSQLBatch = 0x01
	typeRPC      = 0x03
	typeTabular  = 0x04

	statusEOM = 0x01

	paramInt      = 0x26
	paramTinyInt  = 0x30
	paramSmallInt = 0x34
	paramBigInt   = 0x38
	paramNVarChar = 0xe7

	tokenColMetadata = 0x81
	tokenRow         = 0xd1
	tokenError       = 0xaa
	tokenLoginAck    = 0xa4
	tokenDone        = 0xfd
	tokenDoneProc    = 0xfe
	tokenDoneInProc  = 0xff
)

var sqlKeywords = []string{"SELECT", "INSERT", "UPDATE", "DELETE", "EXEC", "WITH"}

// Engine implements engine.Engine for the TDS wire protocol.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolSQLServer }

type packet struct {
	pktType byte
	status  byte
	payload []byte
	total   int
}

func readPacket(buf []byte) (packet, bool) {
	if len(buf) < headerLen {
		return packet{}, false
	}
	length := int(binary.BigEndian.Uint16(buf[2:4]))
	if length < headerLen || len(buf) < length {
		return packet{}, false
	}
	return packet{
		pktType: buf[0],
		status:  buf[1],
		payload: buf[headerLen:length],
		total:   length,
	}, true
}

func writePacket(pktType, status byte, payload []byte) []byte {
	out := make([]byte, headerLen)
	out[0] = pktType
	out[1] = status
	binary.BigEndian.PutUint16(out[2:4], uint16(headerLen+len(payload)))
	// SPID/packet id/window left zeroed; the client does not validate them.
	return append(out, payload...)
}

// ParseClient decodes SQL Batch and RPC client packets.
func (e *Engine) ParseClient(buf []byte, _ *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0

	for {
		rest := buf[consumed:]
		pkt, ok := readPacket(rest)
		if !ok {
			break
		}

		switch pkt.pktType {
		case typeSQLBatch:
			body, ok := skipAllHeaders(pkt.payload)
			if !ok {
				ops = append(ops, parseErrorOp(pkt.payload))
			} else {
				sql := decodeUTF16LE(body)
				ops = append(ops, newOp(sql))
			}
		case typeRPC:
			body, ok := skipAllHeaders(pkt.payload)
			if !ok {
				ops = append(ops, parseErrorOp(pkt.payload))
			} else {
				ops = append(ops, parseRPC(body, pkt.payload))
			}
		default:
			// login/pre-login/attention packets carry no SQL text.
		}

		consumed += pkt.total
	}

	return engine.ParseResult{Operations: ops, Consumed: consumed}, nil
}

// ParseServer decodes the TDS tabular result token stream.
func (e *Engine) ParseServer(buf []byte, state *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	for {
		rest := buf[consumed:]
		pkt, ok := readPacket(rest)
		if !ok {
			break
		}
		if pkt.pktType != typeTabular {
			consumed += pkt.total
			continue
		}

		var cols []string
		if v, ok := state.Get("tds_cols"); ok {
			cols, _ = v.([]string)
		}

		p := pkt.payload
		errSeen := false // an ERROR token already produced this reply's frame
		for len(p) > 0 {
			tok := p[0]
			switch tok {
			case tokenColMetadata:
				var n int
				cols, n = parseColMetadata(p)
				if n == 0 {
					p = nil
					continue
				}
				p = p[n:]
			case tokenRow:
				row, n := parseRow(p[1:], cols)
				if n == 0 {
					p = nil
					continue
				}
				frames = append(frames, engine.ServerFrame{Response: model.Response{
					Fields: cols,
					Rows:   []map[string]any{row},
				}})
				p = p[1+n:]
			case tokenError:
				msg, n := parseErrorToken(p)
				if n == 0 {
					p = nil
					continue
				}
				frames = append(frames, engine.ServerFrame{Response: model.Response{
					IsError:    true,
					ErrMessage: msg,
				}})
				errSeen = true
				p = p[n:]
			case tokenLoginAck:
				n := skipLoginAck(p)
				if n == 0 {
					p = nil
					continue
				}
				p = p[n:]
			case tokenDone, tokenDoneProc, tokenDoneInProc:
				if len(p) < 13 {
					p = nil
					continue
				}
				if !errSeen {
					frames = append(frames, engine.ServerFrame{Response: model.Response{Fields: cols}})
				}
				errSeen = false
				cols = nil
				p = p[13:]
			default:
				p = nil
			}
		}

		state.Set("tds_cols", cols)
		consumed += pkt.total
	}

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse wraps COLMETADATA, ROW, and either a final DONE
// or an ERROR+DONE token stream in a single TDS packet of type 0x04
// with end-of-message status.
func (e *Engine) SynthesizeResponse(mock *model.Mock, _ *model.Operation) ([]byte, error) {
	var payload []byte

	if mock.Response.IsError {
		payload = append(payload, encodeErrorToken(mock.Response.ErrMessage)...)
		payload = append(payload, encodeDoneToken(tokenDone)...)
		return writePacket(typeTabular, statusEOM, payload), nil
	}

	cols := mock.Response.Fields
	if len(cols) == 0 && len(mock.Response.Rows) > 0 {
		for k := range mock.Response.Rows[0] {
			cols = append(cols, k)
		}
	}
	payload = append(payload, encodeColMetadata(cols)...)
	for _, row := range mock.Response.Rows {
		payload = append(payload, encodeRow(cols, row)...)
	}
	payload = append(payload, encodeDoneToken(tokenDone)...)

	return writePacket(typeTabular, statusEOM, payload), nil
}

// --- ALL_HEADERS ---

// skipAllHeaders consumes the ALL_HEADERS preamble (a u32 total
// length followed by that many bytes of length-prefixed header
// blocks) and returns the remaining payload.
func skipAllHeaders(payload []byte) ([]byte, bool) {
	if len(payload) < 4 {
		return nil, false
	}
	totalLen := int(binary.LittleEndian.Uint32(payload[0:4]))
	if totalLen < 4 || len(payload) < totalLen {
		return nil, false
	}
	return payload[totalLen:], true
}

// --- SQL Batch / RPC ---

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(units))
}

func newOp(sql string) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolSQLServer,
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

// parseRPC decodes an RPC invocation. When the procedure is
// sp_executesql, the first string parameter is scanned for a leading
// SQL keyword and takes precedence over a raw UTF-16LE scan of the
// whole payload, per the resolved parser-precedence question.
func parseRPC(body []byte, rawPayload []byte) *model.Operation {
	if len(body) < 2 {
		return parseErrorOp(rawPayload)
	}
	nameLen := int(binary.LittleEndian.Uint16(body[0:2]))
	if len(body) < 2+nameLen*2 {
		return parseErrorOp(rawPayload)
	}
	procName := decodeUTF16LE(body[2 : 2+nameLen*2])
	rest := body[2+nameLen*2:]
	if len(rest) < 2 {
		return parseErrorOp(rawPayload)
	}
	rest = rest[2:] // option flags (u16)

	params := parseParams(rest)

	if strings.EqualFold(procName, "sp_executesql") {
		if sql := firstSQLStringParam(params); sql != "" {
			op := newOp(sql)
			op.Params["procedure"] = procName
			return op
		}
		if sql := scanUTF16KeywordPrefix(rawPayload); sql != "" {
			op := newOp(sql)
			op.Params["procedure"] = procName
			op.Params["extractedVia"] = "raw-scan-fallback"
			return op
		}
	}

	return &model.Operation{
		Protocol:    model.ProtocolSQLServer,
		Type:        model.OpUnknown,
		Status:      model.StatusPending,
		Fingerprint: fmt.Sprintf("rpc:%s", strings.ToLower(procName)),
		Params:      map[string]any{"procedure": procName, "params": params},
	}
}

// parseParams decodes a TDS RPC parameter stream: for each parameter,
// a name (b-length-prefixed), status flags, a type byte, and a
// type-specific value.
func parseParams(buf []byte) []any {
	var out []any
	p := buf
	for len(p) > 1 {
		nameLen := int(p[0])
		p = p[1:]
		if len(p) < nameLen*2 {
			break
		}
		p = p[nameLen*2:] // parameter name, UTF-16LE
		if len(p) < 2 {
			break
		}
		p = p[1:] // status flags
		typ := p[0]
		p = p[1:]

		switch typ {
		case paramTinyInt:
			if len(p) < 1 {
				return out
			}
			out = append(out, int64(p[0]))
			p = p[1:]
		case paramSmallInt:
			if len(p) < 2 {
				return out
			}
			out = append(out, int64(int16(binary.LittleEndian.Uint16(p[:2]))))
			p = p[2:]
		case paramInt:
			if len(p) < 4 {
				return out
			}
			out = append(out, int64(int32(binary.LittleEndian.Uint32(p[:4]))))
			p = p[4:]
		case paramBigInt:
			if len(p) < 8 {
				return out
			}
			out = append(out, int64(binary.LittleEndian.Uint64(p[:8])))
			p = p[8:]
		case paramNVarChar:
			if len(p) < 2 {
				return out
			}
			declLen := binary.LittleEndian.Uint16(p[:2])
			p = p[2:]
			if declLen == 0xffff {
				out = append(out, nil)
				continue
			}
			if len(p) < 2 {
				return out
			}
			actualLen := int(binary.LittleEndian.Uint16(p[:2]))
			p = p[2:]
			if actualLen == 0xffff || len(p) < actualLen {
				out = append(out, nil)
				if actualLen != 0xffff {
					return out
				}
				continue
			}
			out = append(out, decodeUTF16LE(p[:actualLen]))
			p = p[actualLen:]
		default:
			return out
		}
	}
	return out
}

func firstSQLStringParam(params []any) string {
	for _, p := range params {
		s, ok := p.(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(s)
		upper := strings.ToUpper(trimmed)
		for _, kw := range sqlKeywords {
			if strings.HasPrefix(upper, kw) {
				return trimmed
			}
		}
	}
	return ""
}

func scanUTF16KeywordPrefix(raw []byte) string {
	decoded := decodeUTF16LE(raw)
	upper := strings.ToUpper(decoded)
	for _, kw := range sqlKeywords {
		if idx := strings.Index(upper, kw); idx >= 0 {
			return strings.TrimSpace(decoded[idx:])
		}
	}
	return ""
}

func parseErrorOp(raw []byte) *model.Operation {
	return &model.Operation{
		Protocol:    model.ProtocolSQLServer,
		Type:        model.OpParseError,
		Status:      model.StatusFailed,
		Fingerprint: fmt.Sprintf("parse_error:%x", raw),
		Error:       &model.ErrorInfo{Message: "malformed tds packet", Kind: "ParseError"},
	}
}

// --- tabular result token stream ---

// parseColMetadata decodes a minimal COLMETADATA token: count (u16),
// then per column a user type (u32), flags (u16), a type byte, a
// type-specific size field, and a b-length-prefixed name. Only
// NVARCHAR-shaped columns (the only type this engine synthesizes) are
// decoded precisely; for any other type byte no size field is skipped,
// so the name is read straight after the type byte.
func parseColMetadata(buf []byte) ([]string, int) {
	if len(buf) < 3 {
		return nil, 0
	}
	p := buf[1:]
	count := int(binary.LittleEndian.Uint16(p[0:2]))
	p = p[2:]
	consumed := 3
	var cols []string
	for i := 0; i < count; i++ {
		if len(p) < 7 {
			return nil, 0
		}
		p = p[6:] // user type (u32) + flags (u16)
		consumed += 6
		typ := p[0]
		p = p[1:]
		consumed++
		if typ == paramNVarChar {
			if len(p) < 2 {
				return nil, 0
			}
			p = p[2:] // max length
			consumed += 2
		}
		if len(p) < 1 {
			return nil, 0
		}
		nameLen := int(p[0])
		p = p[1:]
		consumed++
		if len(p) < nameLen*2 {
			return nil, 0
		}
		cols = append(cols, decodeUTF16LE(p[:nameLen*2]))
		p = p[nameLen*2:]
		consumed += nameLen * 2
	}
	return cols, consumed
}

func encodeColMetadata(cols []string) []byte {
	out := []byte{tokenColMetadata}
	out = append(out, le16(uint16(len(cols)))...)
	for _, c := range cols {
		out = append(out, 0, 0, 0, 0) // user type
		out = append(out, 0, 0)       // flags
		out = append(out, paramNVarChar)
		out = append(out, le16(8000)...) // max length
		nameUnits := utf16.Encode([]rune(c))
		out = append(out, byte(len(nameUnits)))
		for _, u := range nameUnits {
			out = append(out, le16(u)...)
		}
	}
	return out
}

// parseRow decodes one ROW token's NVARCHAR-shaped columns.
func parseRow(buf []byte, cols []string) (map[string]any, int) {
	row := make(map[string]any)
	p := buf
	consumed := 0
	for _, c := range cols {
		if len(p) < 2 {
			return nil, 0
		}
		l := binary.LittleEndian.Uint16(p[0:2])
		p = p[2:]
		consumed += 2
		if l == 0xffff {
			row[c] = nil
			continue
		}
		if len(p) < int(l) {
			return nil, 0
		}
		row[c] = decodeUTF16LE(p[:l])
		p = p[l:]
		consumed += int(l)
	}
	return row, consumed
}

func encodeRow(cols []string, row map[string]any) []byte {
	out := []byte{tokenRow}
	for _, c := range cols {
		v, ok := row[c]
		if !ok || v == nil {
			out = append(out, le16(0xffff)...)
			continue
		}
		s := fmt.Sprintf("%v", v)
		units := utf16.Encode([]rune(s))
		out = append(out, le16(uint16(len(units)*2))...)
		for _, u := range units {
			out = append(out, le16(u)...)
		}
	}
	return out
}

func parseErrorToken(buf []byte) (string, int) {
	if len(buf) < 7 {
		return "", 0
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if len(buf) < 3+length {
		return "", 0
	}
	body := buf[3 : 3+length]
	if len(body) < 8 {
		return "", 3 + length
	}
	msgLen := int(binary.LittleEndian.Uint16(body[6:8]))
	if len(body) < 8+msgLen*2 {
		return "", 3 + length
	}
	return decodeUTF16LE(body[8 : 8+msgLen*2]), 3 + length
}

func encodeErrorToken(msg string) []byte {
	units := utf16.Encode([]rune(msg))
	body := make([]byte, 0, 8+len(units)*2)
	body = append(body, le32(1)...)         // error number
	body = append(body, 1, 0)               // state, class
	body = append(body, le16(uint16(len(units)))...)
	for _, u := range units {
		body = append(body, le16(u)...)
	}
	body = append(body, 0, 0) // server name length
	body = append(body, 0, 0) // proc name length
	body = append(body, le32(1)...) // line number

	out := []byte{tokenError}
	out = append(out, le16(uint16(len(body)))...)
	out = append(out, body...)
	return out
}

func skipLoginAck(buf []byte) int {
	if len(buf) < 3 {
		return 0
	}
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if len(buf) < 3+length {
		return 0
	}
	return 3 + length
}

func encodeDoneToken(kind byte) []byte {
	out := []byte{kind}
	out = append(out, 0, 0) // status
	out = append(out, 0, 0) // cur cmd
	out = append(out, le64(0)...)
	return out
}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
