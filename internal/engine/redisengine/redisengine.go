// Package redisengine implements the Redis engine, decoding RESP
// command arrays (and the inline-command fallback) via internal/resp
// and classifying verbs into read/write/connection/server groups.
package redisengine

import (
	"strings"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
	"github.com/sniffler/sniffler-core/internal/resp"
)

var verbClasses = map[string]model.OperationType{
	"GET": model.OpRead, "MGET": model.OpRead, "STRLEN": model.OpRead,
	"EXISTS": model.OpRead, "TTL": model.OpRead, "PTTL": model.OpRead,
	"HGET": model.OpRead, "HGETALL": model.OpRead, "HMGET": model.OpRead,
	"LRANGE": model.OpRead, "LLEN": model.OpRead, "SMEMBERS": model.OpRead,
	"SISMEMBER": model.OpRead, "ZRANGE": model.OpRead, "ZSCORE": model.OpRead,
	"SCAN": model.OpRead, "KEYS": model.OpRead, "TYPE": model.OpRead,

	"SET": model.OpWrite, "SETEX": model.OpWrite, "SETNX": model.OpWrite,
	"DEL": model.OpWrite, "EXPIRE": model.OpWrite, "INCR": model.OpWrite,
	"DECR": model.OpWrite, "INCRBY": model.OpWrite, "APPEND": model.OpWrite,
	"HSET": model.OpWrite, "HDEL": model.OpWrite, "LPUSH": model.OpWrite,
	"RPUSH": model.OpWrite, "LPOP": model.OpWrite, "RPOP": model.OpWrite,
	"SADD": model.OpWrite, "SREM": model.OpWrite, "ZADD": model.OpWrite,
	"ZREM": model.OpWrite, "RENAME": model.OpWrite, "FLUSHDB": model.OpWrite,

	"PING": model.OpConnection, "ECHO": model.OpConnection,
	"AUTH": model.OpConnection, "SELECT": model.OpConnection,
	"HELLO": model.OpConnection, "QUIT": model.OpConnection,

	"INFO": model.OpServer, "COMMAND": model.OpServer,
	"CONFIG": model.OpServer, "DBSIZE": model.OpServer,
	"CLIENT": model.OpServer,

	"MULTI": model.OpTransact, "EXEC": model.OpTransact,
	"DISCARD": model.OpTransact, "WATCH": model.OpTransact,
	"UNWATCH": model.OpTransact,

	"SUBSCRIBE": model.OpPubSub, "UNSUBSCRIBE": model.OpPubSub,
	"PUBLISH": model.OpPubSub, "PSUBSCRIBE": model.OpPubSub,
}

// Engine implements engine.Engine for the Redis RESP protocol.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolRedis }

// ParseClient decodes RESP command arrays (and inline commands) into
// Operations.
func (e *Engine) ParseClient(buf []byte, _ *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0

	for {
		rest := buf[consumed:]
		v, n, ok := resp.ReadValue(rest)
		if !ok {
			break
		}

		verb, args := commandFromValue(v)
		if verb == "" {
			ops = append(ops, &model.Operation{
				Protocol:    model.ProtocolRedis,
				Type:        model.OpParseError,
				Status:      model.StatusFailed,
				Fingerprint: "parse_error",
				Error:       &model.ErrorInfo{Message: "malformed redis command", Kind: "ParseError"},
			})
		} else {
			ops = append(ops, &model.Operation{
				Protocol:    model.ProtocolRedis,
				Type:        classifyVerb(verb),
				Status:      model.StatusPending,
				Fingerprint: fingerprint.Redis(verb, args),
				Params:      map[string]any{"verb": verb, "args": args},
			})
		}

		consumed += n
	}

	return engine.ParseResult{Operations: ops, Consumed: consumed}, nil
}

// ParseServer decodes RESP reply values emitted by the upstream.
func (e *Engine) ParseServer(buf []byte, _ *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	for {
		rest := buf[consumed:]
		v, n, ok := resp.ReadValue(rest)
		if !ok {
			break
		}
		frames = append(frames, engine.ServerFrame{Response: responseFromValue(v)})
		consumed += n
	}

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse encodes a mock's Value as the matching RESP
// reply type: bulk string for a string value, integer for a numeric
// value, array for a slice, null bulk string for a nil/missing value,
// or an error reply for IsError mocks.
func (e *Engine) SynthesizeResponse(mock *model.Mock, _ *model.Operation) ([]byte, error) {
	if mock.Response.IsError {
		return resp.WriteError(mock.Response.ErrMessage), nil
	}
	return encodeValue(mock.Response.Value), nil
}

func encodeValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return resp.WriteNullBulkString()
	case string:
		return resp.WriteBulkString([]byte(val))
	case []byte:
		return resp.WriteBulkString(val)
	case int:
		return resp.WriteInteger(int64(val))
	case int64:
		return resp.WriteInteger(val)
	case float64:
		return resp.WriteInteger(int64(val))
	case []any:
		elems := make([][]byte, 0, len(val))
		for _, e := range val {
			elems = append(elems, encodeValue(e))
		}
		return resp.WriteArray(elems)
	case []string:
		elems := make([][]byte, 0, len(val))
		for _, e := range val {
			elems = append(elems, resp.WriteBulkString([]byte(e)))
		}
		return resp.WriteArray(elems)
	default:
		return resp.WriteSimpleString("OK")
	}
}

func commandFromValue(v resp.Value) (string, []string) {
	switch v.Kind {
	case '*':
		if len(v.Array) == 0 {
			return "", nil
		}
		verb := strings.ToUpper(string(v.Array[0].Bulk))
		args := make([]string, 0, len(v.Array)-1)
		for _, a := range v.Array[1:] {
			args = append(args, string(a.Bulk))
		}
		return verb, args
	case 0:
		fields := strings.Fields(v.Str)
		if len(fields) == 0 {
			return "", nil
		}
		return strings.ToUpper(fields[0]), fields[1:]
	default:
		return "", nil
	}
}

func classifyVerb(verb string) model.OperationType {
	if t, ok := verbClasses[verb]; ok {
		return t
	}
	return model.OpUnknown
}

func responseFromValue(v resp.Value) model.Response {
	switch v.Kind {
	case '-':
		return model.Response{IsError: true, ErrMessage: v.Str}
	case '+':
		return model.Response{Value: v.Str}
	case ':':
		return model.Response{Value: v.Int}
	case '$':
		if v.IsNull {
			return model.Response{Value: nil}
		}
		return model.Response{Value: string(v.Bulk)}
	case '*':
		if v.IsNull {
			return model.Response{Value: nil}
		}
		out := make([]any, 0, len(v.Array))
		for _, e := range v.Array {
			out = append(out, responseFromValue(e).Value)
		}
		return model.Response{Value: out}
	default:
		return model.Response{}
	}
}
