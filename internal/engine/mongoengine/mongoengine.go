// Package mongoengine implements the MongoDB wire-protocol engine:
// opcode framing, OP_MSG sections, and command-document probing, using
// internal/bson for the minimal embedded document codec.
package mongoengine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sniffler/sniffler-core/internal/bson"
	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
)

const (
	opReply    = 1
	opMsgLegacy = 1000
	opCommand  = 2010
	opCommandReply = 2011
	opMsg      = 2013

	headerLen = 16
)

var authKeywords = []string{
	"authenticate", "saslStart", "saslContinue", "ismaster", "hello",
	"buildInfo", "whatsmyuri", "getnonce",
}

var commandVerbs = []string{"find", "insert", "update", "delete", "aggregate"}

// Engine implements engine.Engine for the MongoDB wire protocol.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolMongoDB }

// ParseClient decodes OP_MSG (and the legacy opcodes enough to skip
// over them) into Operations. The HTTP-sentinel and auth-forwarding
// rules are applied here.
func (e *Engine) ParseClient(buf []byte, _ *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0
	unrecognized := 0

	if looksLikeHTTP(buf) {
		ops = append(ops, &model.Operation{
			Protocol:    model.ProtocolMongoDB,
			Type:        model.OpParseError,
			Status:      model.StatusFailed,
			Fingerprint: model.FingerprintHTTPOnBinaryPort,
			Error:       &model.ErrorInfo{Message: "HTTP request on MongoDB port", Kind: "ParseError"},
		})
		return engine.ParseResult{Operations: ops, Consumed: len(buf)}, nil
	}

	for {
		rest := buf[consumed:]
		if len(rest) < headerLen {
			break
		}
		total := int(int32(binary.LittleEndian.Uint32(rest[0:4])))
		reqID := binary.LittleEndian.Uint32(rest[4:8])
		opcode := int32(binary.LittleEndian.Uint32(rest[12:16]))
		if total < headerLen || len(rest) < total {
			break
		}
		body := rest[headerLen:total]

		switch opcode {
		case opMsg:
			doc, isAuth := parseOpMsgCommand(body)
			op := opFromCommandDoc(doc)
			op.IsAuth = isAuth
			op.Params["requestId"] = fmt.Sprintf("%d", reqID)
			ops = append(ops, op)
			// A frame that doesn't parse into a recognized command
			// (and isn't an auth handshake, which is always forwarded)
			// keeps the conservative forward-unknown policy, but the
			// operator gets a warning to diagnose misrouted traffic.
			if !isAuth && op.Type == model.OpUnknown {
				unrecognized++
			}
		default:
			// Legacy opcodes (OP_REPLY/CRUD/OP_COMMAND) are
			// recognized enough to skip their frame length but are
			// not decoded into structured Operations; they are
			// forwarded untouched.
		}

		consumed += total
	}

	var warnErr error
	if unrecognized > 0 {
		warnErr = fmt.Errorf("mongodb: %d frame(s) did not match a recognized command and were forwarded unmocked", unrecognized)
	}
	return engine.ParseResult{Operations: ops, Consumed: consumed}, warnErr
}

// ParseServer decodes OP_MSG server replies.
func (e *Engine) ParseServer(buf []byte, _ *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	for {
		rest := buf[consumed:]
		if len(rest) < headerLen {
			break
		}
		total := int(int32(binary.LittleEndian.Uint32(rest[0:4])))
		responseTo := binary.LittleEndian.Uint32(rest[8:12])
		opcode := int32(binary.LittleEndian.Uint32(rest[12:16]))
		if total < headerLen || len(rest) < total {
			break
		}
		body := rest[headerLen:total]

		if opcode == opMsg || opcode == opReply || opcode == opCommandReply {
			doc := firstMsgDocument(body, opcode)
			frames = append(frames, engine.ServerFrame{
				Response:  responseFromDoc(doc),
				RequestID: fmt.Sprintf("%d", responseTo),
			})
		}

		consumed += total
	}

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse emits an OP_MSG (2013) reply: a
// cursor/firstBatch doc for find-like commands, an
// {ok:1,n:...} doc for writes, or {ok:0,errmsg,code,codeName} for
// errors. response_to is set to the originating request id.
func (e *Engine) SynthesizeResponse(mock *model.Mock, originating *model.Operation) ([]byte, error) {
	var respDoc map[string]any

	if mock.Response.IsError {
		respDoc = map[string]any{
			"ok":       float64(0),
			"errmsg":   mock.Response.ErrMessage,
			"code":     int32(1),
			"codeName": "MockError",
		}
	} else if isFindLike(originating) {
		batch := make([]any, 0, len(mock.Response.Documents))
		for _, d := range mock.Response.Documents {
			batch = append(batch, d)
		}
		ns := ""
		if originating != nil {
			if v, ok := originating.Params["collection"].(string); ok {
				ns = v
			}
		}
		respDoc = map[string]any{
			"cursor": map[string]any{
				"firstBatch": batch,
				"id":         int64(0),
				"ns":         ns,
			},
			"ok": float64(1),
		}
	} else {
		respDoc = map[string]any{
			"ok": float64(1),
			"n":  int32(len(mock.Response.Documents)),
		}
	}

	body := bson.Encode(respDoc)
	var sectionBuf bytes.Buffer
	sectionBuf.WriteByte(0x00) // section kind 0
	sectionBuf.Write(body)

	var out bytes.Buffer
	var reqID uint32
	var responseTo uint32
	if originating != nil {
		fmt.Sscanf(fmt.Sprintf("%v", originating.Params["requestId"]), "%d", &responseTo)
	}
	reqID = 1

	total := headerLen + 4 + sectionBuf.Len() // +4 for flagBits
	writeUint32(&out, uint32(total))
	writeUint32(&out, reqID)
	writeUint32(&out, responseTo)
	writeUint32(&out, opMsg)
	writeUint32(&out, 0) // flagBits
	out.Write(sectionBuf.Bytes())
	return out.Bytes(), nil
}

// --- helpers ---

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	buf.Write(b)
}

func looksLikeHTTP(buf []byte) bool {
	n := len(buf)
	if n > 100 {
		n = 100
	}
	prefix := string(buf[:n])
	for _, m := range []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD "} {
		if strings.HasPrefix(prefix, m) && strings.Contains(prefix, "HTTP/") {
			return true
		}
	}
	return false
}

// parseOpMsgCommand decodes the kind-0 BSON body (and any kind-1
// document sequences) of an OP_MSG payload, which starts with a u32
// flagBits word followed by the sections, returning the merged
// command document and whether it matched an auth-related keyword.
func parseOpMsgCommand(body []byte) (map[string]any, bool) {
	doc := make(map[string]any)
	if len(body) < 4 {
		return doc, detectAuth(body)
	}
	p := body[4:] // flagBits
	for len(p) >= 1 {
		kind := p[0]
		p = p[1:]
		switch kind {
		case 0x00:
			d, n, err := bson.Decode(p)
			if err != nil {
				return doc, detectAuth(body)
			}
			for k, v := range d {
				doc[k] = v
			}
			p = p[n:]
		case 0x01:
			if len(p) < 4 {
				return doc, detectAuth(body)
			}
			size := int(int32(binary.LittleEndian.Uint32(p[0:4])))
			if len(p) < size {
				return doc, detectAuth(body)
			}
			seqBody := p[4:size]
			idEnd := bytes.IndexByte(seqBody, 0)
			if idEnd < 0 {
				p = p[size:]
				continue
			}
			identifier := string(seqBody[:idEnd])
			rest := seqBody[idEnd+1:]
			var docs []any
			for len(rest) > 0 {
				d, n, err := bson.Decode(rest)
				if err != nil {
					break
				}
				docs = append(docs, d)
				rest = rest[n:]
			}
			doc[identifier] = docs
			p = p[size:]
		default:
			return doc, detectAuth(body)
		}
	}
	return doc, detectAuth(body)
}

func detectAuth(body []byte) bool {
	n := len(body)
	if n > 200 {
		n = 200
	}
	sample := string(body[:n])
	for _, kw := range authKeywords {
		if strings.Contains(sample, kw) {
			return true
		}
	}
	return false
}

func opFromCommandDoc(doc map[string]any) *model.Operation {
	for _, verb := range commandVerbs {
		if coll, ok := doc[verb].(string); ok {
			params := map[string]any{"collection": coll}
			filterOrDoc := map[string]any{}
			switch verb {
			case "find", "delete":
				if f, ok := doc["filter"].(map[string]any); ok {
					filterOrDoc = f
					params["filter"] = f
				}
			case "insert":
				if docs, ok := doc["documents"].([]any); ok {
					params["documents"] = docs
				}
			case "update":
				if u, ok := doc["updates"].([]any); ok {
					params["updates"] = u
				}
			case "aggregate":
				if pl, ok := doc["pipeline"].([]any); ok {
					params["pipeline"] = pl
				}
			}
			return &model.Operation{
				Protocol:    model.ProtocolMongoDB,
				Type:        classifyVerb(verb),
				Status:      model.StatusPending,
				Fingerprint: fingerprint.Mongo(coll, verb, filterOrDoc),
				Params:      params,
			}
		}
	}
	return &model.Operation{
		Protocol:    model.ProtocolMongoDB,
		Type:        model.OpUnknown,
		Status:      model.StatusPending,
		Fingerprint: "unknown-command",
		Params:      map[string]any{},
	}
}

func classifyVerb(verb string) model.OperationType {
	switch verb {
	case "find", "aggregate":
		return model.OpFind
	case "insert", "update", "delete":
		return model.OpWrite
	default:
		return model.OpUnknown
	}
}

func isFindLike(op *model.Operation) bool {
	return op != nil && (op.Type == model.OpFind)
}

func firstMsgDocument(body []byte, opcode int32) map[string]any {
	if opcode == opMsg {
		doc, _ := parseOpMsgCommand(body)
		return doc
	}
	doc, _, err := bson.Decode(body)
	if err != nil {
		return map[string]any{}
	}
	return doc
}

func responseFromDoc(doc map[string]any) model.Response {
	resp := model.Response{}
	if okVal, ok := doc["ok"].(float64); ok && okVal == 0 {
		resp.IsError = true
		if msg, ok := doc["errmsg"].(string); ok {
			resp.ErrMessage = msg
		}
		return resp
	}
	if cursor, ok := doc["cursor"].(map[string]any); ok {
		if batch, ok := cursor["firstBatch"].([]any); ok {
			for _, d := range batch {
				if m, ok := d.(map[string]any); ok {
					resp.Documents = append(resp.Documents, m)
				}
			}
		}
	}
	resp.Value = doc
	return resp
}
