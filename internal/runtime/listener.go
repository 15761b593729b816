// Package runtime implements the interceptor runtime: per-listener
// accept loops, client/upstream connection pairing, duplex byte piping
// through a protocol engine, operation correlation, and the
// mock-or-forward decision.
package runtime

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/fingerprint"
	"github.com/sniffler/sniffler-core/internal/mockstore"
	"github.com/sniffler/sniffler-core/internal/model"
)

// Listener owns one bound local port, its upstream target, and every
// connection it has accepted.
type Listener struct {
	mu  sync.RWMutex
	cfg model.Listener

	engine   engine.Engine
	hist     *history
	bus      *events.Bus
	mocks    *mockstore.Store
	settings *settingsHolder
	logger   *zap.Logger

	sock net.Listener

	connMu      sync.Mutex
	connections map[string]*connection

	cancel    context.CancelFunc
	acceptRun sync.WaitGroup

	staleStop chan struct{}
}

func newListener(cfg model.Listener, eng engine.Engine, bus *events.Bus, mocks *mockstore.Store, settings *settingsHolder, logger *zap.Logger, maxHistory int) *Listener {
	return &Listener{
		cfg:         cfg,
		engine:      eng,
		hist:        newHistory(maxHistory),
		bus:         bus,
		mocks:       mocks,
		settings:    settings,
		logger:      logger.With(zap.Int("port", cfg.Port), zap.String("protocol", string(cfg.Protocol))),
		connections: make(map[string]*connection),
	}
}

// Snapshot returns a copy of the listener's current configuration and
// counters, safe to hand to callers outside the runtime.
func (l *Listener) Snapshot() model.Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Listener) setState(s model.RunState) {
	l.mu.Lock()
	l.cfg.State = s
	l.mu.Unlock()
}

// start binds the local port and begins accepting connections,
// spawning one goroutine per accepted connection.
func (l *Listener) start(ctx context.Context) error {
	sock, err := net.Listen("tcp", ":"+strconv.Itoa(l.cfg.Port))
	if err != nil {
		return errs.Wrap(errs.KindBind, "bind listener port", err).WithPort(l.cfg.Port)
	}
	l.sock = sock

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.mu.Lock()
	l.cfg.State = model.StateRunning
	l.cfg.LastStartedAt = time.Now()
	l.cfg.WasRunning = true
	l.mu.Unlock()

	l.acceptRun.Add(1)
	go func() {
		defer l.acceptRun.Done()
		l.acceptLoop(runCtx)
	}()

	l.staleStop = make(chan struct{})
	go l.staleSweepLoop()

	l.logger.Info("listener started")
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		client, err := l.sock.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			l.bus.Emit(events.Error{Base: events.NewBase(l.cfg.Port), Kind: errs.KindBind, Message: err.Error()})
			continue
		}

		upstreamAddr := net.JoinHostPort(l.cfg.UpstreamHost, strconv.Itoa(l.cfg.UpstreamPort))
		upstream, dialErr := net.DialTimeout("tcp", upstreamAddr, 5*time.Second)
		if dialErr != nil {
			// Not fatal to the listener: keep
			// accepting, but this connection has no upstream to pipe
			// to or from, so close it after surfacing the error.
			l.bus.Emit(events.Error{
				Base:    events.NewBase(l.cfg.Port),
				Kind:    errs.KindUpstream,
				Message: dialErr.Error(),
			})
			_ = client.Close()
			continue
		}

		conn := newConnection(l, client, upstream)
		l.connMu.Lock()
		l.connections[conn.id] = conn
		l.connMu.Unlock()

		l.acceptRun.Add(1)
		go func() {
			defer l.acceptRun.Done()
			conn.run(ctx)
			l.connMu.Lock()
			delete(l.connections, conn.id)
			l.connMu.Unlock()
		}()
	}
}

// stop triggers cooperative shutdown: the listener stops accepting,
// every owned connection is closed, with a grace period before the
// caller should consider stragglers force-closed.
func (l *Listener) stop(graceMs int) {
	if l.sock != nil {
		_ = l.sock.Close()
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.staleStop != nil {
		close(l.staleStop)
	}

	done := make(chan struct{})
	go func() {
		l.acceptRun.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(graceMs) * time.Millisecond):
		l.connMu.Lock()
		for _, c := range l.connections {
			_ = c.client.Close()
			if c.upstream != nil {
				_ = c.upstream.Close()
			}
		}
		l.connMu.Unlock()
	}

	l.setState(model.StateStopped)
	l.logger.Info("listener stopped")
}

func (l *Listener) staleSweepLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.staleStop:
			return
		case <-ticker.C:
			settings := l.settings.Get()
			for _, op := range l.hist.sweepStale(settings.StalePendingTimeoutMs) {
				l.bus.Emit(events.OperationResponse{Base: events.NewBase(l.cfg.Port), Operation: op})
			}
		}
	}
}

func (l *Listener) incActive(delta int64) {
	l.mu.Lock()
	l.cfg.Counters.ActiveConnections += delta
	l.mu.Unlock()
}

func (l *Listener) incCounters(status model.OperationStatus) {
	l.mu.Lock()
	l.cfg.Counters.Total++
	if status == model.StatusSuccess {
		l.cfg.Counters.Successful++
	} else if status == model.StatusFailed || status == model.StatusTimeout {
		l.cfg.Counters.Failed++
	}
	l.mu.Unlock()
}

func (l *Listener) incMocksServed() {
	l.mu.Lock()
	l.cfg.Counters.MocksServed++
	l.mu.Unlock()
}

// processClientOperation runs the drop/dedup/record/mock steps for
// one decoded client operation, returning
// whether a mock was served (and therefore whether the byte slice it
// came from must be dropped rather than forwarded).
func (l *Listener) processClientOperation(c *connection, op *model.Operation) bool {
	op.ConnectionID = c.id
	op.ListenerPort = l.cfg.Port
	if op.Protocol == "" {
		op.Protocol = l.cfg.Protocol
	}

	if op.Fingerprint == model.FingerprintHTTPOnBinaryPort {
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.StartedAt.IsZero() {
			op.StartedAt = time.Now()
		}
		l.hist.push(op)
		l.bus.Emit(events.OperationReceived{Base: events.NewBase(l.cfg.Port), Operation: op})
		l.incCounters(op.Status)
		_, _ = c.client.Write([]byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		_ = c.client.Close()
		return true
	}

	settings := l.settings.Get()

	if l.shouldDrop(op, settings) {
		return false
	}

	if settings.EnableDeduplication {
		if dup := l.hist.findDuplicate(op.Fingerprint, c.id, settings.DeduplicationWindowMs); dup != nil {
			if dup.Status == model.StatusPending {
				c.enqueuePending(dup, requestIDOf(op))
			}
			return l.maybeServeMock(c, dup, settings)
		}
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now()
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}
	l.hist.push(op)
	atomic.AddInt64(&c.queryCount, 1)
	l.bus.Emit(events.OperationReceived{Base: events.NewBase(l.cfg.Port), Operation: op})

	if op.Status != model.StatusPending {
		return false
	}

	served := l.maybeServeMock(c, op, settings)
	if !served {
		c.enqueuePending(op, requestIDOf(op))
	}
	return served
}

// shouldDrop reports whether op never becomes a tracked operation:
// empty SQL, auth frames, and (when enabled) configured health-check
// queries never become tracked operations.
func (l *Listener) shouldDrop(op *model.Operation, settings model.Settings) bool {
	if op.IsAuth {
		return true
	}
	sql, hasSQL := op.Params["sql"].(string)
	if hasSQL && strings.TrimSpace(sql) == "" {
		return true
	}
	if hasSQL && settings.FilterHealthChecks {
		norm := fingerprint.SQL(sql)
		for _, hc := range settings.HealthCheckQueries {
			if norm == fingerprint.SQL(hc) {
				return true
			}
		}
	}
	return false
}

// maybeServeMock consults the mock store, and if an enabled mock exists (and testing_mode doesn't
// globally disable mocking), synthesize and write the response,
// finalizing op as a mock-served success/failure.
func (l *Listener) maybeServeMock(c *connection, op *model.Operation, settings model.Settings) bool {
	if settings.TestingMode {
		return false
	}
	mock, ok := l.mocks.FindEnabled(l.cfg.Port, op.Fingerprint)
	if !ok {
		return false
	}

	frame, err := l.engine.SynthesizeResponse(mock, op)
	if err != nil {
		l.bus.Emit(events.Error{Base: events.NewBase(l.cfg.Port), Kind: errs.KindFatal, Message: err.Error()})
		return false
	}
	if _, werr := c.client.Write(frame); werr != nil {
		l.bus.Emit(events.Error{Base: events.NewBase(l.cfg.Port), Kind: errs.KindFatal, Message: werr.Error()})
		return false
	}

	l.incMocksServed()
	mock.UsageCount++

	status := model.StatusSuccess
	if mock.Response.IsError {
		status = model.StatusFailed
	}
	op.IsMocked = true
	op.MockedBy = mock.ID
	resp := mock.Response
	op.Finish(status, &resp, nil)

	l.bus.Emit(events.MockServed{Base: events.NewBase(l.cfg.Port), Fingerprint: op.Fingerprint, MockID: mock.ID})
	l.bus.Emit(events.OperationResponse{Base: events.NewBase(l.cfg.Port), Operation: op})
	l.incCounters(status)
	return true
}

// processServerFrame handles one decoded upstream frame: correlate
// it to its outstanding operation, finalize it, and run the
// auto-create / auto-replace mock lifecycle.
func (l *Listener) processServerFrame(c *connection, frame engine.ServerFrame) {
	op := c.correlate(frame.RequestID)
	if op == nil {
		return
	}

	resp := frame.Response
	status := model.StatusSuccess
	var errInfo *model.ErrorInfo
	if resp.IsError {
		status = model.StatusFailed
		errInfo = &model.ErrorInfo{Message: resp.ErrMessage, Kind: "UpstreamError"}
	}
	op.Finish(status, &resp, errInfo)
	l.bus.Emit(events.OperationResponse{Base: events.NewBase(l.cfg.Port), Operation: op})
	l.incCounters(status)

	if status == model.StatusSuccess && !op.IsMocked {
		l.applyMockLifecycle(op, resp)
	}
}

// applyMockLifecycle runs the mock lifecycle hooks: a successful live response either seeds a new
// disabled mock (when none exists) or is diffed against the existing
// one, replacing it when settings allow.
func (l *Listener) applyMockLifecycle(op *model.Operation, live model.Response) {
	settings := l.settings.Get()

	if _, ok := l.mocks.Get(l.cfg.Port, op.Fingerprint); ok {
		cmp, replaced := l.mocks.AutoReplaceOnDifference(l.cfg.Port, op.Fingerprint, live, settings.AutoReplaceOnDifference)
		if cmp != nil {
			op.MockComparison = cmp
		}
		if replaced {
			l.hist.tagFingerprint(op.Fingerprint, "replaced", op.ID)
			op.Tags = append(op.Tags, "mock-replaced")
		}
		return
	}

	if settings.AutoSaveAsMocks {
		l.mocks.AutoCreate(l.cfg.Port, op.Fingerprint, live)
	}
}

// requestIDOf extracts the explicit request id an engine may have
// stashed on the operation (currently only mongoengine's
// Params["requestId"]), used to prefer exact correlation over FIFO.
func requestIDOf(op *model.Operation) string {
	if v, ok := op.Params["requestId"].(string); ok {
		return v
	}
	return ""
}
