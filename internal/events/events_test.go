package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sniffler/sniffler-core/internal/errs"
	"github.com/sniffler/sniffler-core/internal/model"
)

func TestSubscribeReceivesOnlyItsType(t *testing.T) {
	bus := NewBus()

	var opened []ConnectionOpened
	var closed []ConnectionClosed
	Subscribe(bus, func(e ConnectionOpened) { opened = append(opened, e) })
	Subscribe(bus, func(e ConnectionClosed) { closed = append(closed, e) })

	bus.Emit(ConnectionOpened{Base: NewBase(8080), ConnectionID: "c1"})
	bus.Emit(ConnectionOpened{Base: NewBase(8080), ConnectionID: "c2"})
	bus.Emit(ConnectionClosed{Base: NewBase(8080), ConnectionID: "c1", Reason: "eof"})

	require.Len(t, opened, 2)
	assert.Equal(t, "c2", opened[1].ConnectionID)
	require.Len(t, closed, 1)
	assert.Equal(t, "eof", closed[0].Reason)
}

func TestMultipleSubscribersAllFire(t *testing.T) {
	bus := NewBus()
	var a, b int
	Subscribe(bus, func(MockServed) { a++ })
	Subscribe(bus, func(MockServed) { b++ })

	bus.Emit(MockServed{Base: NewBase(3306), Fingerprint: "select 1", MockID: "m1"})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestEmitWithNoSubscribersIsANoOp(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Emit(Error{Base: NewBase(80), Kind: errs.KindParse, Message: "bad frame"})
	})
}

func TestBaseCarriesListenerPort(t *testing.T) {
	bus := NewBus()
	var got OperationReceived
	Subscribe(bus, func(e OperationReceived) { got = e })

	op := &model.Operation{ID: "op-1", Fingerprint: "GET:/users"}
	bus.Emit(OperationReceived{Base: NewBase(8080), Operation: op})

	assert.Equal(t, 8080, got.ListenerPort)
	assert.False(t, got.At.IsZero())
	assert.Same(t, op, got.Operation)
}

func TestEventNames(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{ConnectionOpened{}, "connection-opened"},
		{ConnectionClosed{}, "connection-closed"},
		{OperationReceived{}, "operation-received"},
		{OperationResponse{}, "operation-response"},
		{MockServed{}, "mock-served"},
		{MockAdded{}, "mock-added"},
		{MockUpdated{}, "mock-updated"},
		{MockRemoved{}, "mock-removed"},
		{MockToggled{}, "mock-toggled"},
		{MockAutoCreated{}, "mock-auto-created"},
		{MockAutoReplaced{}, "mock-auto-replaced"},
		{MockDifferenceDetected{}, "mock-difference-detected"},
		{MockPatternBlocked{}, "mock-pattern-blocked"},
		{Error{}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ev.Name())
		})
	}
}
