// Package mockstore implements the per-listener fingerprint-indexed
// mock index: one mutex-guarded map per listener port plus an
// insertion order for bounded eviction.
package mockstore

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wI2L/jsondiff"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/model"
)

type listenerMocks struct {
	mu      sync.Mutex
	byFP    map[string]*model.Mock
	order   []string // fingerprints, oldest first, for eviction
}

// Store is the process-wide collection of per-listener mock indices.
type Store struct {
	bus    *events.Bus
	logger *zap.Logger

	mu        sync.Mutex
	listeners map[int]*listenerMocks
	maxPerPort int
}

// New builds a Store that emits mock lifecycle events on bus and caps
// each listener's mock count at maxPerPort.
func New(bus *events.Bus, logger *zap.Logger, maxPerPort int) *Store {
	return &Store{
		bus:        bus,
		logger:     logger,
		listeners:  make(map[int]*listenerMocks),
		maxPerPort: maxPerPort,
	}
}

func (s *Store) forPort(port int) *listenerMocks {
	s.mu.Lock()
	defer s.mu.Unlock()
	lm, ok := s.listeners[port]
	if !ok {
		lm = &listenerMocks{byFP: make(map[string]*model.Mock)}
		s.listeners[port] = lm
	}
	return lm
}

// Add inserts a new mock for (port, fingerprint). If one already
// exists, the existing mock is returned unchanged unless forceUpdate
// is set.
func (s *Store) Add(port int, mock *model.Mock, forceUpdate bool) *model.Mock {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if existing, ok := lm.byFP[mock.Fingerprint]; ok && !forceUpdate {
		return existing
	}

	now := time.Now()
	mock.ListenerPort = port
	mock.CreatedAt = now
	mock.UpdatedAt = now
	if _, exists := lm.byFP[mock.Fingerprint]; !exists {
		lm.order = append(lm.order, mock.Fingerprint)
	}
	lm.byFP[mock.Fingerprint] = mock
	s.evictLocked(lm)

	s.bus.Emit(events.MockAdded{Base: events.NewBase(port), Mock: mock})
	return mock
}

// Update replaces the response of the mock at (port, fingerprint) with
// partial and, when enabled is non-nil, sets its enabled flag,
// preserving created_at.
func (s *Store) Update(port int, fingerprint string, partial model.Response, enabled *bool) (*model.Mock, bool) {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	m, ok := lm.byFP[fingerprint]
	if !ok {
		return nil, false
	}
	m.Response = partial
	if enabled != nil {
		m.Enabled = *enabled
	}
	m.UpdatedAt = time.Now()

	s.bus.Emit(events.MockUpdated{Base: events.NewBase(port), Mock: m})
	return m, true
}

// Toggle flips the enabled flag.
func (s *Store) Toggle(port int, fingerprint string) (*model.Mock, bool) {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	m, ok := lm.byFP[fingerprint]
	if !ok {
		return nil, false
	}
	m.Enabled = !m.Enabled
	m.UpdatedAt = time.Now()

	s.bus.Emit(events.MockToggled{Base: events.NewBase(port), Fingerprint: fingerprint, Enabled: m.Enabled})
	return m, true
}

// Remove deletes the mock at (port, fingerprint).
func (s *Store) Remove(port int, fingerprint string) bool {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.byFP[fingerprint]; !ok {
		return false
	}
	delete(lm.byFP, fingerprint)
	lm.order = removeString(lm.order, fingerprint)

	s.bus.Emit(events.MockRemoved{Base: events.NewBase(port), Fingerprint: fingerprint})
	return true
}

// List returns every mock for port (or all ports if port is 0).
func (s *Store) List(port int) []*model.Mock {
	s.mu.Lock()
	var targets []*listenerMocks
	if port == 0 {
		for _, lm := range s.listeners {
			targets = append(targets, lm)
		}
	} else if lm, ok := s.listeners[port]; ok {
		targets = append(targets, lm)
	}
	s.mu.Unlock()

	var out []*model.Mock
	for _, lm := range targets {
		lm.mu.Lock()
		for _, fp := range lm.order {
			out = append(out, lm.byFP[fp])
		}
		lm.mu.Unlock()
	}
	return out
}

// FindEnabled returns the enabled mock for (port, fingerprint), if any.
func (s *Store) FindEnabled(port int, fingerprint string) (*model.Mock, bool) {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.byFP[fingerprint]
	if !ok || !m.Enabled {
		return nil, false
	}
	return m, true
}

// Get returns the mock for (port, fingerprint) regardless of its
// enabled flag, used by the auto-save/auto-replace decision in
// internal/runtime to tell "no mock yet" from "mock exists but
// disabled".
func (s *Store) Get(port int, fingerprint string) (*model.Mock, bool) {
	lm := s.forPort(port)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.byFP[fingerprint]
	return m, ok
}

// LoadPort replaces the in-memory index for port with mocks, used by
// cmd/snifflerd's startup hydration (from the persisted mocks files)
// and by command.DataImport. Insertion order follows the
// order of mocks, oldest first.
func (s *Store) LoadPort(port int, mocks []*model.Mock) {
	lm := &listenerMocks{byFP: make(map[string]*model.Mock, len(mocks))}
	for _, m := range mocks {
		lm.order = append(lm.order, m.Fingerprint)
		lm.byFP[m.Fingerprint] = m
	}
	s.mu.Lock()
	s.listeners[port] = lm
	s.mu.Unlock()
}

// AutoCreate adds a disabled mock derived from a successful live
// response, only if no mock exists yet for this fingerprint.
func (s *Store) AutoCreate(port int, fingerprint string, resp model.Response) *model.Mock {
	lm := s.forPort(port)
	lm.mu.Lock()
	if _, exists := lm.byFP[fingerprint]; exists {
		lm.mu.Unlock()
		return nil
	}
	lm.mu.Unlock()

	mock := &model.Mock{
		Fingerprint: fingerprint,
		Response:    resp,
		Enabled:     false,
	}
	created := s.Add(port, mock, false)
	s.bus.Emit(events.MockAutoCreated{Base: events.NewBase(port), Mock: created})
	return created
}

// AutoReplaceOnDifference overwrites the stored mock's response when
// comparison flags a difference, preserving created_at/enabled, and
// returns the comparison plus whether a replacement happened.
func (s *Store) AutoReplaceOnDifference(port int, fingerprint string, live model.Response, autoReplace bool) (*model.MockComparison, bool) {
	lm := s.forPort(port)
	lm.mu.Lock()
	m, ok := lm.byFP[fingerprint]
	if !ok {
		lm.mu.Unlock()
		return nil, false
	}
	cmp := Compare(m.Response, live)
	lm.mu.Unlock()

	if !cmp.HasDifference() {
		return cmp, false
	}

	s.bus.Emit(events.MockDifferenceDetected{Base: events.NewBase(port), Fingerprint: fingerprint, Comparison: cmp})

	if !autoReplace {
		return cmp, false
	}

	lm.mu.Lock()
	m.Response = live
	m.UpdatedAt = time.Now()
	lm.mu.Unlock()

	s.bus.Emit(events.MockAutoReplaced{Base: events.NewBase(port), Mock: m, Comparison: cmp})
	return cmp, true
}

func (s *Store) evictLocked(lm *listenerMocks) {
	for s.maxPerPort > 0 && len(lm.order) > s.maxPerPort {
		oldest := lm.order[0]
		lm.order = lm.order[1:]
		delete(lm.byFP, oldest)
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// Compare diffs a live response against a stored mock:
// exact status code, case-insensitive header comparison excluding the
// ignored set, and body comparison via canonical JSON when both sides
// parse as JSON, otherwise raw bytes.
func Compare(expected, actual model.Response) *model.MockComparison {
	cmp := &model.MockComparison{
		StatusCodeMatches: expected.StatusCode == actual.StatusCode,
		HeadersMatch:      true,
		BodyMatches:       true,
	}

	for name, expVal := range expected.Headers {
		if isIgnoredHeader(name) {
			continue
		}
		actVal, ok := actual.Headers[canonicalHeaderLookup(actual.Headers, name)]
		if !ok {
			cmp.HeadersMatch = false
			cmp.Differences = append(cmp.Differences, model.Difference{
				Kind: model.DiffHeader, Field: name, Expected: expVal, Actual: "<missing>",
			})
			continue
		}
		if !strings.EqualFold(actVal, expVal) {
			cmp.HeadersMatch = false
			cmp.Differences = append(cmp.Differences, model.Difference{
				Kind: model.DiffHeader, Field: name, Expected: expVal, Actual: actVal,
			})
		}
	}

	if !cmp.StatusCodeMatches {
		cmp.Differences = append(cmp.Differences, model.Difference{
			Kind:     model.DiffStatusCode,
			Expected: itoa(expected.StatusCode),
			Actual:   itoa(actual.StatusCode),
		})
	}

	bodyMatches, diffs := compareBody(expected.Body, actual.Body)
	cmp.BodyMatches = bodyMatches
	cmp.Differences = append(cmp.Differences, diffs...)

	var parts []string
	if !cmp.StatusCodeMatches {
		parts = append(parts, "status code")
	}
	if !cmp.HeadersMatch {
		parts = append(parts, "headers")
	}
	if !cmp.BodyMatches {
		parts = append(parts, "body")
	}
	if len(parts) > 0 {
		cmp.Summary = strings.Join(parts, ", ") + " differ"
	}
	return cmp
}

func compareBody(expected, actual []byte) (bool, []model.Difference) {
	if bytes.Equal(expected, actual) {
		return true, nil
	}
	if json.Valid(expected) && json.Valid(actual) {
		patch, err := jsondiff.CompareJSON(expected, actual)
		if err == nil && len(patch) == 0 {
			return true, nil
		}
		var diffs []model.Difference
		if err == nil {
			for _, op := range patch {
				diffs = append(diffs, model.Difference{
					Kind:     model.DiffBody,
					Field:    op.Path,
					Expected: toStringValue(op.OldValue),
					Actual:   toStringValue(op.Value),
				})
			}
		}
		return false, diffs
	}
	return false, []model.Difference{{
		Kind:     model.DiffBody,
		Expected: string(expected),
		Actual:   string(actual),
	}}
}

func toStringValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func isIgnoredHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range model.IgnoredHeaderPrefixes {
		if strings.HasPrefix(lower, strings.TrimSuffix(prefix, "*")) {
			return true
		}
	}
	return false
}

func canonicalHeaderLookup(headers map[string]string, name string) string {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
