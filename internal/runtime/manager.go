package runtime

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/engine/httpengine"
	"github.com/sniffler/sniffler-core/internal/engine/mongoengine"
	"github.com/sniffler/sniffler-core/internal/engine/mssqlengine"
	"github.com/sniffler/sniffler-core/internal/engine/mysqlengine"
	"github.com/sniffler/sniffler-core/internal/engine/pgengine"
	"github.com/sniffler/sniffler-core/internal/engine/redisengine"
	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/mockstore"
	"github.com/sniffler/sniffler-core/internal/model"
)

// engineFactories maps each supported wire protocol to its codec
// constructor.
var engineFactories = map[model.Protocol]func() engine.Engine{
	model.ProtocolHTTP:       func() engine.Engine { return httpengine.New() },
	model.ProtocolPostgreSQL: func() engine.Engine { return pgengine.New() },
	model.ProtocolMySQL:      func() engine.Engine { return mysqlengine.New() },
	model.ProtocolSQLServer:  func() engine.Engine { return mssqlengine.New() },
	model.ProtocolMongoDB:    func() engine.Engine { return mongoengine.New() },
	model.ProtocolRedis:      func() engine.Engine { return redisengine.New() },
}

// Manager is the top-level orchestrator for every listener in the
// process: it owns the shared event bus, mock store, and settings
// holder, and is the entry point the command surface drives.
type Manager struct {
	logger *zap.Logger
	bus    *events.Bus
	mocks  *mockstore.Store

	settings *settingsHolder

	mu        sync.RWMutex
	listeners map[int]*Listener

	maxHistory int
}

// NewManager builds a Manager ready to create and run listeners.
func NewManager(logger *zap.Logger, bus *events.Bus, mocks *mockstore.Store, initialSettings model.Settings, maxHistory int) *Manager {
	return &Manager{
		logger:     logger,
		bus:        bus,
		mocks:      mocks,
		settings:   newSettingsHolder(initialSettings),
		listeners:  make(map[int]*Listener),
		maxHistory: maxHistory,
	}
}

// Settings returns the current process-wide settings snapshot.
func (m *Manager) Settings() model.Settings {
	return m.settings.Get()
}

// UpdateSettings applies fn under the global settings lock and returns
// the resulting snapshot.
func (m *Manager) UpdateSettings(fn func(*model.Settings)) model.Settings {
	return m.settings.Update(fn)
}

// Create registers a new listener configuration without starting it.
// The port must be free of any other
// registered listener and the protocol must be one sniffler supports.
func (m *Manager) Create(cfg model.Listener) (*Listener, error) {
	factory, ok := engineFactories[cfg.Protocol]
	if !ok {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("unsupported protocol %q", cfg.Protocol))
	}
	if cfg.Outgoing && cfg.Protocol != model.ProtocolHTTP {
		return nil, errs.New(errs.KindConfig, "only http listeners can be marked outgoing").WithPort(cfg.Port)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.listeners[cfg.Port]; exists {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("port %d already has a listener", cfg.Port)).WithPort(cfg.Port)
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.State = model.StateCreated
	cfg.CreatedAt = time.Now()

	l := newListener(cfg, factory(), m.bus, m.mocks, m.settings, m.logger, m.maxHistory)
	m.listeners[cfg.Port] = l
	return l, nil
}

// Get returns the listener bound to port, if any.
func (m *Manager) Get(port int) (*Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[port]
	return l, ok
}

// List returns every registered listener's current snapshot.
func (m *Manager) List() []model.Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Snapshot())
	}
	return out
}

// Start begins accepting connections on port, guarding against the
// circular self-loop misconfiguration.
func (m *Manager) Start(ctx context.Context, port int) error {
	l, ok := m.Get(port)
	if !ok {
		return errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	snap := l.Snapshot()
	if snap.SelfLoop() {
		return errs.New(errs.KindConfig, "listener upstream points at itself").WithPort(port)
	}
	if snap.State == model.StateRunning {
		return nil
	}
	return l.start(ctx)
}

// Stop gracefully tears down the listener at port, waiting up to
// graceMs for in-flight connections to finish before force-closing
// them.
func (m *Manager) Stop(port int, graceMs int) error {
	l, ok := m.Get(port)
	if !ok {
		return errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	l.stop(graceMs)
	return nil
}

// Update mutates an existing listener's mutable fields (name,
// description, upstream target, auto_start) without touching its
// run state or counters.
func (m *Manager) Update(port int, fn func(*model.Listener)) (*model.Listener, error) {
	l, ok := m.Get(port)
	if !ok {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	l.mu.Lock()
	fn(&l.cfg)
	snap := l.cfg
	l.mu.Unlock()
	return &snap, nil
}

// Remove unregisters port's listener, stopping it first if running.
func (m *Manager) Remove(port int) error {
	m.mu.Lock()
	l, ok := m.listeners[port]
	if !ok {
		m.mu.Unlock()
		return errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	delete(m.listeners, port)
	m.mu.Unlock()

	if l.Snapshot().State == model.StateRunning {
		l.stop(2000)
	}
	return nil
}

// History returns the operation history for port, newest first.
func (m *Manager) History(port int) ([]*model.Operation, error) {
	l, ok := m.Get(port)
	if !ok {
		return nil, errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	return l.hist.list(), nil
}

// LoadHistory seeds port's operation history from persisted state.
// Input is newest-first, the order History returns and the requests
// files store, so it is pushed in reverse.
func (m *Manager) LoadHistory(port int, ops []*model.Operation) error {
	l, ok := m.Get(port)
	if !ok {
		return errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	for i := len(ops) - 1; i >= 0; i-- {
		l.hist.push(ops[i])
	}
	return nil
}

// ClearHistory empties port's operation history.
func (m *Manager) ClearHistory(port int) error {
	l, ok := m.Get(port)
	if !ok {
		return errs.New(errs.KindConfig, fmt.Sprintf("no listener on port %d", port)).WithPort(port)
	}
	l.hist.clear()
	return nil
}

// TestResult is the outcome of probing an upstream target.
type TestResult struct {
	Success   bool
	Message   string
	ErrorType errs.UpstreamErrorType
}

// TestConnection dials host:port, retrying transient refusals with a
// short constant backoff (150 ms, up to 5 retries) before giving up and classifying the
// failure mode, matching the UpstreamErrorType taxonomy used for live
// UpstreamErrors. A freshly
// starting database container commonly refuses for a few hundred
// milliseconds before it accepts connections, so a single dial would
// misreport SERVICE_NOT_RUNNING during that window.
func TestConnection(ctx context.Context, host string, port int) TestResult {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var d net.Dialer

	var lastErr error
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(150*time.Millisecond), 5), dialCtx)
	err := backoff.Retry(func() error {
		conn, dialErr := d.DialContext(dialCtx, "tcp", addr)
		if dialErr != nil {
			lastErr = dialErr
			if classifyDialError(dialErr) == errs.ErrServiceNotRunning {
				return dialErr // retryable: connection refused
			}
			return backoff.Permanent(dialErr)
		}
		_ = conn.Close()
		return nil
	}, bo)

	if err != nil {
		return TestResult{Success: false, Message: lastErr.Error(), ErrorType: classifyDialError(lastErr)}
	}
	return TestResult{Success: true, Message: "connected"}
}

func classifyDialError(err error) errs.UpstreamErrorType {
	if err == nil {
		return ""
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errs.ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "server misbehaving"):
		return errs.ErrHostnameNotFound
	case strings.Contains(msg, "connection refused"):
		return errs.ErrServiceNotRunning
	default:
		return errs.ErrConnectionError
	}
}
