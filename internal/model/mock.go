package model

import "time"

// Mock is a stored response indexed by (listener port, fingerprint).
type Mock struct {
	ID            string    `json:"id"`
	ListenerPort  int       `json:"listenerPort"`
	Fingerprint   string    `json:"fingerprint"`
	Response      Response  `json:"response"`
	Enabled       bool      `json:"enabled"`
	Tags          []string  `json:"tags,omitempty"`
	Name          string    `json:"name,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExecutionTime time.Duration `json:"executionTime,omitempty"`
	UsageCount    int64     `json:"usageCount"`
}

// DiffKind enumerates the categories a MockComparison difference can
// belong to.
type DiffKind string

const (
	DiffStatusCode DiffKind = "statusCode"
	DiffHeader     DiffKind = "header"
	DiffBody       DiffKind = "body"
)

// Difference is one field-level mismatch found while comparing a live
// response against a mock.
type Difference struct {
	Kind     DiffKind `json:"kind"`
	Field    string   `json:"field,omitempty"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
}

// MockComparison is the structured diff between a live response and
// the fingerprint's mock.
type MockComparison struct {
	StatusCodeMatches bool         `json:"statusCodeMatches"`
	HeadersMatch      bool         `json:"headersMatch"`
	BodyMatches       bool         `json:"bodyMatches"`
	Differences       []Difference `json:"differences,omitempty"`
	Summary           string       `json:"summary,omitempty"`
}

// HasDifference reports whether any category mismatched.
func (c *MockComparison) HasDifference() bool {
	return !c.StatusCodeMatches || !c.HeadersMatch || !c.BodyMatches
}

// IgnoredHeaderPrefixes is the case-insensitive set of header names excluded
// from comparison. Every entry is matched as a prefix of the header name,
// so "server" also excludes e.g. "server-timing"; no entry is matched
// as an exact name only.
var IgnoredHeaderPrefixes = []string{
	"date", "server", "connection", "transfer-encoding", "x-powered-by",
	"x-request-", "x-correlation-", "x-trace-", "x-runtime",
	MockMarkerHeader,
}

// MockMarkerHeaderName is the header injected into synthesized HTTP
// responses so clients (and the comparison algorithm) can identify a
// served mock.
const MockMarkerHeaderName = "X-Sniffler-Mock"

// MockMarkerHeader is the lower-cased form used for ignore-set membership.
const MockMarkerHeader = "x-sniffler-mock"
