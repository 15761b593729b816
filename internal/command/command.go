// Package command implements the transport-agnostic command surface
// exposed to the host: one method per command, each taking
// plain-Go-struct inputs and returning a result or a structured
// *errs.Error.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/mockstore"
	"github.com/sniffler/sniffler-core/internal/model"
	"github.com/sniffler/sniffler-core/internal/persistence"
	"github.com/sniffler/sniffler-core/internal/runtime"
)

// decodeStrict decodes raw JSON into out, rejecting any field that
// doesn't match the target struct.
func decodeStrict(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errs.Wrap(errs.KindConfig, "unknown or malformed field in input", err)
	}
	return nil
}

// Surface wires the runtime manager, mock store, and persistence
// layer into the command set the host drives.
type Surface struct {
	manager *runtime.Manager
	mocks   *mockstore.Store
	store   *persistence.Store
}

// New builds a command Surface.
func New(manager *runtime.Manager, mocks *mockstore.Store, store *persistence.Store) *Surface {
	return &Surface{manager: manager, mocks: mocks, store: store}
}

// CreateListenerInput is the input for listener.create.
type CreateListenerInput struct {
	Port         int
	UpstreamHost string
	UpstreamPort int
	Protocol     model.Protocol
	Name         string
	Description  string
	AutoStart    bool
	Outgoing     bool
}

// ListenerCreate registers a new listener.
func (s *Surface) ListenerCreate(in CreateListenerInput) (model.Listener, error) {
	l, err := s.manager.Create(model.Listener{
		Port:         in.Port,
		UpstreamHost: in.UpstreamHost,
		UpstreamPort: in.UpstreamPort,
		Protocol:     in.Protocol,
		Name:         in.Name,
		Description:  in.Description,
		AutoStart:    in.AutoStart,
		Outgoing:     in.Outgoing,
	})
	if err != nil {
		return model.Listener{}, err
	}
	return l.Snapshot(), nil
}

// ListenerStart starts the listener at port.
func (s *Surface) ListenerStart(ctx context.Context, port int) (model.Listener, error) {
	if err := s.manager.Start(ctx, port); err != nil {
		return model.Listener{}, err
	}
	l, _ := s.manager.Get(port)
	return l.Snapshot(), nil
}

// ListenerStop stops the listener at port, waiting graceMs for
// in-flight connections.
func (s *Surface) ListenerStop(port int, graceMs int) (model.Listener, error) {
	if err := s.manager.Stop(port, graceMs); err != nil {
		return model.Listener{}, err
	}
	l, _ := s.manager.Get(port)
	return l.Snapshot(), nil
}

// UpdateListenerInput carries the mutable fields listener.update may
// change. A nil field leaves the current value untouched.
type UpdateListenerInput struct {
	Name         *string
	Description  *string
	UpstreamHost *string
	UpstreamPort *int
	AutoStart    *bool
}

// ListenerUpdate mutates a registered listener's name, description,
// upstream target, or auto_start flag.
// Changing the upstream target of a running listener is rejected with a
// ConfigError; the port and protocol cannot be changed through this call.
func (s *Surface) ListenerUpdate(port int, in UpdateListenerInput) (model.Listener, error) {
	l, ok := s.manager.Get(port)
	if !ok {
		return model.Listener{}, errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	if l.Snapshot().State == model.StateRunning && (in.UpstreamHost != nil || in.UpstreamPort != nil) {
		return model.Listener{}, errs.New(errs.KindConfig, "cannot change upstream target of a running listener").WithPort(port)
	}

	updated, err := s.manager.Update(port, func(cfg *model.Listener) {
		if in.Name != nil {
			cfg.Name = *in.Name
		}
		if in.Description != nil {
			cfg.Description = *in.Description
		}
		if in.UpstreamHost != nil {
			cfg.UpstreamHost = *in.UpstreamHost
		}
		if in.UpstreamPort != nil {
			cfg.UpstreamPort = *in.UpstreamPort
		}
		if in.AutoStart != nil {
			cfg.AutoStart = *in.AutoStart
		}
	})
	if err != nil {
		return model.Listener{}, err
	}
	return *updated, nil
}

// ListenerRemove unregisters a listener.
func (s *Surface) ListenerRemove(port int) (bool, error) {
	if err := s.manager.Remove(port); err != nil {
		return false, err
	}
	return true, nil
}

// ListenerList returns every registered listener.
func (s *Surface) ListenerList() []model.Listener {
	return s.manager.List()
}

// ListenerTestInput is the input for listener.test.
type ListenerTestInput struct {
	Host string
	Port int
}

// ListenerTestResult is the result shape for listener.test.
type ListenerTestResult struct {
	Success   bool
	Message   string
	ErrorType errs.UpstreamErrorType
}

// ListenerTest probes whether an upstream target is reachable without
// registering a listener, the supplemented "connection test" feature
// that lets a host validate a target before committing to listener.create.
func (s *Surface) ListenerTest(ctx context.Context, in ListenerTestInput) ListenerTestResult {
	res := runtime.TestConnection(ctx, in.Host, in.Port)
	return ListenerTestResult{Success: res.Success, Message: res.Message, ErrorType: res.ErrorType}
}

// MockAddInput is the input for mock.add.
type MockAddInput struct {
	Port        int
	Fingerprint string
	Response    model.Response
	Enabled     bool
	Name        string
	Description string
	Tags        []string
}

// MockAdd inserts a new mock. An existing mock
// at the same fingerprint is left untouched; use MockUpdate to change it.
func (s *Surface) MockAdd(in MockAddInput) model.Mock {
	mock := &model.Mock{
		ID:          uuid.NewString(),
		Fingerprint: in.Fingerprint,
		Response:    in.Response,
		Enabled:     in.Enabled,
		Name:        in.Name,
		Description: in.Description,
		Tags:        in.Tags,
	}
	return *s.mocks.Add(in.Port, mock, false)
}

// MockUpdate overwrites a mock's response and/or enabled flag.
func (s *Surface) MockUpdate(port int, fingerprint string, resp model.Response, enabled *bool) (model.Mock, error) {
	m, ok := s.mocks.Update(port, fingerprint, resp, enabled)
	if !ok {
		return model.Mock{}, errs.New(errs.KindConfig, "no mock at that fingerprint").WithPort(port)
	}
	return *m, nil
}

// MockToggle flips a mock's enabled flag.
func (s *Surface) MockToggle(port int, fingerprint string) (model.Mock, error) {
	m, ok := s.mocks.Toggle(port, fingerprint)
	if !ok {
		return model.Mock{}, errs.New(errs.KindConfig, "no mock at that fingerprint").WithPort(port)
	}
	return *m, nil
}

// MockRemove deletes a mock.
func (s *Surface) MockRemove(port int, fingerprint string) (bool, error) {
	if !s.mocks.Remove(port, fingerprint) {
		return false, errs.New(errs.KindConfig, "no mock at that fingerprint").WithPort(port)
	}
	return true, nil
}

// MockList returns every mock for port, or every mock across every
// port when port is 0.
func (s *Surface) MockList(port int) []model.Mock {
	mocks := s.mocks.List(port)
	out := make([]model.Mock, len(mocks))
	for i, m := range mocks {
		out[i] = *m
	}
	return out
}

// OperationList returns the operation history for port sorted
// newest-first, or merges every listener's history when port is 0.
func (s *Surface) OperationList(port int) ([]model.Operation, error) {
	var ops []*model.Operation
	if port != 0 {
		hist, err := s.manager.History(port)
		if err != nil {
			return nil, err
		}
		ops = hist
	} else {
		for _, l := range s.manager.List() {
			hist, err := s.manager.History(l.Port)
			if err != nil {
				continue
			}
			ops = append(ops, hist...)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.After(ops[j].StartedAt) })
	}

	out := make([]model.Operation, len(ops))
	for i, op := range ops {
		out[i] = *op
	}
	return out, nil
}

// OperationClear empties port's operation history, or every
// listener's when port is 0.
func (s *Surface) OperationClear(port int) (bool, error) {
	if port != 0 {
		if err := s.manager.ClearHistory(port); err != nil {
			return false, err
		}
		return true, nil
	}
	for _, l := range s.manager.List() {
		_ = s.manager.ClearHistory(l.Port)
	}
	return true, nil
}

// SettingsGet returns the current process-wide settings.
func (s *Surface) SettingsGet() model.Settings {
	return s.manager.Settings()
}

// SettingsUpdate decodes raw as a full Settings object and installs it,
// returning the resulting snapshot.
// Zero-valued fields are still applied: the host is expected to read
// SettingsGet first and send a full merged copy back. Any key raw
// carries that doesn't match a known Settings field is rejected with
// a ConfigError rather than silently ignored.
func (s *Surface) SettingsUpdate(raw []byte) (model.Settings, error) {
	var partial model.Settings
	if err := decodeStrict(raw, &partial); err != nil {
		return model.Settings{}, err
	}
	return s.manager.UpdateSettings(func(cur *model.Settings) {
		*cur = partial
	}), nil
}

// Bundle is the on-disk/export shape for data.export and data.import.
type Bundle struct {
	Version  string             `json:"version"`
	Proxies  []model.Listener   `json:"proxies"`
	Settings model.Settings     `json:"settings"`
	Mocks    []model.Mock       `json:"mocks"`
	Requests []model.Operation  `json:"requests"`
}

const bundleVersion = "1.0"

// DataExport assembles a full snapshot of every listener, the current
// settings, every mock, and every operation in history.
func (s *Surface) DataExport() Bundle {
	mocks := s.mocks.List(0)
	mocksCopy := make([]model.Mock, len(mocks))
	for i, m := range mocks {
		mocksCopy[i] = *m
	}

	var requests []model.Operation
	for _, l := range s.manager.List() {
		ops, err := s.manager.History(l.Port)
		if err != nil {
			continue
		}
		for _, op := range ops {
			requests = append(requests, *op)
		}
	}

	return Bundle{
		Version:  bundleVersion,
		Proxies:  s.manager.List(),
		Settings: s.manager.Settings(),
		Mocks:    mocksCopy,
		Requests: requests,
	}
}

// DataImport decodes raw as a Bundle and restores listeners, settings,
// and mocks from it. Imported operation
// history is discarded: operations are a live record of traffic, not
// durable configuration. An unrecognized top-level or Settings key in
// raw is rejected with a ConfigError rather than silently ignored.
func (s *Surface) DataImport(raw []byte) error {
	var b Bundle
	if err := decodeStrict(raw, &b); err != nil {
		return err
	}

	s.manager.UpdateSettings(func(cur *model.Settings) { *cur = b.Settings })

	for _, lc := range b.Proxies {
		if _, err := s.manager.Create(lc); err != nil {
			return err
		}
	}

	byPort := make(map[int][]*model.Mock)
	for i := range b.Mocks {
		m := b.Mocks[i]
		byPort[m.ListenerPort] = append(byPort[m.ListenerPort], &m)
	}
	for port, mocks := range byPort {
		s.mocks.LoadPort(port, mocks)
	}
	return nil
}
