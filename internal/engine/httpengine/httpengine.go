// Package httpengine implements the HTTP/1.1 engine: standard
// request-line + headers + body framing, using the stdlib's bufio/http
// primitives for header parsing with hand-rolled frame-length
// accounting around them.
package httpengine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/model"
)

// Engine implements engine.Engine for HTTP/1.1.
type Engine struct{}

func New() *Engine { return &Engine{} }

func (e *Engine) Protocol() model.Protocol { return model.ProtocolHTTP }

// ParseClient reads as many complete HTTP requests as are buffered.
// The full request body is captured before the Operation is considered
// decoded (i.e. before it would be handed to operation-received).
func (e *Engine) ParseClient(buf []byte, _ *engine.ConnState) (engine.ParseResult, error) {
	var ops []*model.Operation
	consumed := 0

	for {
		rest := buf[consumed:]
		if len(rest) == 0 {
			break
		}
		r := bufio.NewReaderSize(bytes.NewReader(rest), len(rest)+1)
		req, err := http.ReadRequest(r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break // partial frame, wait for more bytes
			}
			// Malformed request: emit a parse_error and resync by
			// dropping to the next blank-line boundary, or bail if
			// none is found yet (more bytes may complete it).
			idx := bytes.Index(rest, []byte("\r\n\r\n"))
			if idx < 0 {
				break
			}
			ops = append(ops, parseErrorOp(rest[:idx]))
			consumed += idx + 4
			continue
		}

		var bodyBuf bytes.Buffer
		if req.Body != nil {
			if _, err := io.Copy(&bodyBuf, req.Body); err != nil {
				break // body not fully buffered yet
			}
			_ = req.Body.Close()
		}

		// bufio.Reader wraps a bytes.Reader over `rest`; once the body
		// has been fully drained through it, whatever remains
		// buffered tells us exactly how many bytes of `rest` this
		// message occupied — headers and (chunked or not) body alike.
		frameLen := len(rest) - r.Buffered()

		op := &model.Operation{
			Protocol:    model.ProtocolHTTP,
			Fingerprint: fingerprint.HTTP(req.Method, req.URL.RequestURI()),
			Type:        classify(req.Method),
			Status:      model.StatusPending,
			Params: map[string]any{
				"method":  req.Method,
				"url":     req.URL.RequestURI(),
				"headers": flattenHeaders(req.Header),
				"body":    bodyBuf.Bytes(),
			},
		}
		ops = append(ops, op)
		consumed += frameLen
	}

	return engine.ParseResult{Operations: ops, Consumed: consumed}, nil
}

// ParseServer decodes HTTP responses the same way.
func (e *Engine) ParseServer(buf []byte, _ *engine.ConnState) (engine.ServerParseResult, error) {
	var frames []engine.ServerFrame
	consumed := 0

	for {
		rest := buf[consumed:]
		if len(rest) == 0 {
			break
		}
		r := bufio.NewReaderSize(bytes.NewReader(rest), len(rest)+1)
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			break // partial; wait for more
		}
		var bodyBuf bytes.Buffer
		if resp.Body != nil {
			if _, err := io.Copy(&bodyBuf, resp.Body); err != nil {
				break
			}
			_ = resp.Body.Close()
		}
		frameLen := len(rest) - r.Buffered()
		frames = append(frames, engine.ServerFrame{
			Response: model.Response{
				StatusCode: resp.StatusCode,
				Headers:    flattenHeaders(resp.Header),
				Body:       bodyBuf.Bytes(),
			},
		})
		consumed += frameLen
	}

	return engine.ServerParseResult{Frames: frames, Consumed: consumed}, nil
}

// SynthesizeResponse writes the mock's status+headers+body, injecting
// the X-Sniffler-Mock marker header.
func (e *Engine) SynthesizeResponse(mock *model.Mock, _ *model.Operation) ([]byte, error) {
	var buf bytes.Buffer
	status := mock.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, v := range mock.Response.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&buf, "%s: true\r\n", model.MockMarkerHeaderName)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(mock.Response.Body))
	buf.Write(mock.Response.Body)
	return buf.Bytes(), nil
}

func classify(method string) model.OperationType {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return model.OpRead
	default:
		return model.OpWrite
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func parseErrorOp(raw []byte) *model.Operation {
	n := len(raw)
	if n > 32 {
		n = 32
	}
	return &model.Operation{
		Protocol:    model.ProtocolHTTP,
		Type:        model.OpParseError,
		Status:      model.StatusFailed,
		Fingerprint: fmt.Sprintf("parse_error:%x", raw[:n]),
		Error:       &model.ErrorInfo{Message: "malformed HTTP request", Kind: "ParseError"},
	}
}

