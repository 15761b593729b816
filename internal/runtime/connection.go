package runtime

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sniffler/sniffler-core/internal/engine"
	"github.com/sniffler/sniffler-core/internal/events"
	"github.com/sniffler/sniffler-core/internal/model"
)

// nextConnID builds a "{proto}-conn-{now}-{rand}" connection id.
func nextConnID(proto model.Protocol) string {
	return fmt.Sprintf("%s-conn-%d-%d", proto, time.Now().UnixNano(), rand.Int63())
}

// connection is one client-upstream TCP pair owned by a listener.
// Both direction pumps share engineState
// and the pending queue used for response correlation.
type connection struct {
	id       string
	listener *Listener

	client   net.Conn
	upstream net.Conn

	engineState *engine.ConnState

	mu           sync.Mutex
	pending      []*model.Operation // FIFO, oldest first
	pendingByReq map[string]*model.Operation

	state        model.ConnState
	startedAt    time.Time
	queryCount   int64
	lastActivity atomic.Int64 // unix nanos

	closeOnce sync.Once
}

func newConnection(l *Listener, client, upstream net.Conn) *connection {
	c := &connection{
		id:           nextConnID(l.cfg.Protocol),
		listener:     l,
		client:       client,
		upstream:     upstream,
		engineState:  engine.NewConnState(),
		pendingByReq: make(map[string]*model.Operation),
		state:        model.ConnAwaitingHead,
		startedAt:    time.Now(),
	}
	c.touch()
	return c
}

func (c *connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// enqueuePending registers op as awaiting a response on this
// connection, indexed by explicit request id when the protocol
// supplies one.
func (c *connection) enqueuePending(op *model.Operation, requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, op)
	if requestID != "" {
		c.pendingByReq[requestID] = op
	}
}

// correlate resolves a server-side frame to its outstanding operation:
// an exact request-id match takes precedence, falling back to FIFO
// (the oldest still-pending operation) otherwise.
func (c *connection) correlate(requestID string) *model.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if requestID != "" {
		if op, ok := c.pendingByReq[requestID]; ok {
			c.removePendingLocked(op)
			return op
		}
	}
	for i, op := range c.pending {
		if op.Status == model.StatusPending {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			delete(c.pendingByReq, requestID)
			return op
		}
	}
	return nil
}

func (c *connection) removePendingLocked(target *model.Operation) {
	for i, op := range c.pending {
		if op == target {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	for k, op := range c.pendingByReq {
		if op == target {
			delete(c.pendingByReq, k)
		}
	}
}

// run drives both direction pumps until either side closes or errors,
// then tears the pair down: one goroutine per direction, cancellation
// on first failure, supervised by an errgroup.Group.
func (c *connection) run(ctx context.Context) {
	l := c.listener
	l.bus.Emit(events.ConnectionOpened{Base: events.NewBase(l.cfg.Port), ConnectionID: c.id})
	l.incActive(1)

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reason string
	var reasonOnce sync.Once
	setReason := func(r string) {
		reasonOnce.Do(func() { reason = r })
	}

	var grp errgroup.Group
	// Either pump finishing — with or without error — means this
	// connection is done: cancel so the other side's blocking Read
	// unblocks via the socket-close watcher below.
	grp.Go(func() error {
		defer cancel()
		err := c.pumpClientToUpstream(gctx)
		if err != nil && err != io.EOF {
			setReason(err.Error())
		}
		return err
	})
	grp.Go(func() error {
		defer cancel()
		err := c.pumpUpstreamToClient(gctx)
		if err != nil && err != io.EOF {
			setReason(err.Error())
		}
		return err
	})

	go func() {
		<-gctx.Done()
		_ = c.client.Close()
		if c.upstream != nil {
			_ = c.upstream.Close()
		}
	}()
	_ = grp.Wait()

	c.finalizePendingAsFailed(reason)
	l.incActive(-1)
	l.bus.Emit(events.ConnectionClosed{Base: events.NewBase(l.cfg.Port), ConnectionID: c.id, Reason: reason})
}

func (c *connection) finalizePendingAsFailed(reason string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.pendingByReq = make(map[string]*model.Operation)
	c.mu.Unlock()

	for _, op := range pending {
		if op.Status != model.StatusPending {
			continue
		}
		msg := reason
		if msg == "" {
			msg = "connection closed before a response arrived"
		}
		op.Finish(model.StatusFailed, nil, &model.ErrorInfo{Message: msg, Kind: "FatalError"})
		c.listener.bus.Emit(events.OperationResponse{Base: events.NewBase(c.listener.cfg.Port), Operation: op})
	}
}

const readBufSize = 32 * 1024

// pumpClientToUpstream reads client bytes, decodes operations, and
// forwards the raw slice upstream unless a mock was served from it.
func (c *connection) pumpClientToUpstream(ctx context.Context) error {
	l := c.listener
	reader := bufio.NewReaderSize(c.client, readBufSize)
	var ingress []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk := make([]byte, readBufSize)
		n, err := reader.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			c.touch()
			ingress = append(ingress, chunk...)

			result, parseErr := l.engine.ParseClient(ingress, c.engineState)
			if parseErr != nil {
				l.bus.Emit(events.Error{Base: events.NewBase(l.cfg.Port), Kind: "ParseError", Message: parseErr.Error()})
			}

			mockServed := false
			for _, op := range result.Operations {
				if l.processClientOperation(c, op) {
					mockServed = true
				}
			}
			ingress = ingress[result.Consumed:]

			if c.upstream == nil {
				// No upstream connection (acceptLoop closes the client
				// instead when the dial fails); nothing to forward, but
				// parsing still ran so the client sees any mocks that
				// matched.
			} else if !mockServed {
				if _, werr := c.upstream.Write(chunk); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			return err
		}
	}
}

// pumpUpstreamToClient reads upstream bytes, decodes responses,
// correlates and finalizes operations, and forwards the raw slice to
// the client unconditionally.
func (c *connection) pumpUpstreamToClient(ctx context.Context) error {
	if c.upstream == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	l := c.listener
	reader := bufio.NewReaderSize(c.upstream, readBufSize)
	var ingress []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk := make([]byte, readBufSize)
		n, err := reader.Read(chunk)
		if n > 0 {
			chunk = chunk[:n]
			c.touch()
			ingress = append(ingress, chunk...)

			result, parseErr := l.engine.ParseServer(ingress, c.engineState)
			if parseErr != nil {
				l.bus.Emit(events.Error{Base: events.NewBase(l.cfg.Port), Kind: "ParseError", Message: parseErr.Error()})
			}
			for _, frame := range result.Frames {
				l.processServerFrame(c, frame)
			}
			ingress = ingress[result.Consumed:]

			if _, werr := c.client.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
