// Package engine defines the common contract every protocol codec
// implements: stateless parse_client/parse_server plus
// a synthesize_response used to fabricate on-wire frames from a mock.
package engine

import (
	"github.com/sniffler/sniffler-core/internal/model"
)

// ParseResult is returned by ParseClient/ParseServer: the operations
// or responses decoded from complete frames, and how many bytes of
// the input buffer were consumed. Trailing partial frames are left in
// the caller's buffer (consumed_bytes < len(buffer)).
type ParseResult struct {
	Operations []*model.Operation
	Consumed   int
}

// ServerFrame is one decoded Response paired with an optional explicit
// request id for protocols that carry one (e.g. Mongo's response_to),
// used by the runtime's correlation step in preference to FIFO ordering.
type ServerFrame struct {
	Response  model.Response
	RequestID string // empty when the protocol has no explicit id
}

// ServerParseResult is the egress-direction counterpart of ParseResult:
// the frames decoded by ParseServer and the bytes consumed.
type ServerParseResult struct {
	Frames   []ServerFrame
	Consumed int
}

// Engine is the stateless codec for a single wire protocol. Engines
// never block and never propagate on malformed input: parse errors
// are surfaced as an Operation of type model.OpParseError carrying a
// hex prefix of the offending bytes, and parsing resumes from the
// next resynchronization point.
type Engine interface {
	// Protocol identifies which wire protocol this engine speaks.
	Protocol() model.Protocol

	// ParseClient reads as many complete client-originated frames as
	// are present in buf, returning the decoded operations and the
	// number of bytes consumed.
	ParseClient(buf []byte, state *ConnState) (ParseResult, error)

	// ParseServer is the symmetric egress-direction decode.
	ParseServer(buf []byte, state *ConnState) (ServerParseResult, error)

	// SynthesizeResponse produces an on-wire response frame set for
	// mock, in reply to originating. It must set whatever framing/ids
	// are required for the client library to accept it.
	SynthesizeResponse(mock *model.Mock, originating *model.Operation) ([]byte, error)
}

// ConnState is short-lived, per-call state an engine may need across
// frames within one connection (e.g. column metadata remembered
// across a MySQL result set, or a Postgres/TDS handshake flag). It is
// owned and persisted by the interceptor runtime, never by the
// engine itself — engines remain stateless with respect to session
// identity.
type ConnState struct {
	Extra map[string]any
}

// NewConnState allocates a ready-to-use per-connection engine state.
func NewConnState() *ConnState {
	return &ConnState{Extra: make(map[string]any)}
}

// Get retrieves a typed value previously stashed by an engine.
func (s *ConnState) Get(key string) (any, bool) {
	v, ok := s.Extra[key]
	return v, ok
}

// Set stashes a value under key for later calls on the same connection.
func (s *ConnState) Set(key string, v any) {
	s.Extra[key] = v
}
