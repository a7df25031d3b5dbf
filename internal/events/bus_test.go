package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestBus_EmitDeliversToSubscribersOfType(t *testing.T) {
	bus := newTestBus()

	var got []*Event
	bus.Subscribe(PriceUpdated, func(e *Event) { got = append(got, e) })
	bus.Subscribe(ConnectionOpened, func(e *Event) { t.Fatal("wrong type delivered") })

	bus.Emit(PriceUpdated, "hub", map[string]interface{}{"symbol": "BTC"})

	require.Len(t, got, 1)
	assert.Equal(t, PriceUpdated, got[0].Type)
	assert.Equal(t, "hub", got[0].Module)
	assert.Equal(t, "BTC", got[0].Data["symbol"])
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := newTestBus()

	calls := 0
	unsubscribe := bus.Subscribe(AlertTriggered, func(*Event) { calls++ })
	assert.Equal(t, 1, bus.HandlerCount(AlertTriggered))

	bus.Emit(AlertTriggered, "hub", nil)
	unsubscribe()
	unsubscribe()
	bus.Emit(AlertTriggered, "hub", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.HandlerCount(AlertTriggered))
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()

	delivered := false
	bus.Subscribe(ErrorOccurred, func(*Event) { panic("boom") })
	bus.Subscribe(ErrorOccurred, func(*Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Emit(ErrorOccurred, "test", nil) })
	assert.True(t, delivered)
}

func TestBus_ConcurrentSubscribeAndEmit(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe(PriceUpdated, func(*Event) {
				mu.Lock()
				count++
				mu.Unlock()
			})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Emit(PriceUpdated, "hub", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, bus.HandlerCount(PriceUpdated))
}

func TestManager_EmitTyped(t *testing.T) {
	bus := newTestBus()
	manager := NewManager(bus, zerolog.New(nil).Level(zerolog.Disabled))

	var got *Event
	bus.Subscribe(TradeStatusChanged, func(e *Event) { got = e })

	manager.EmitTyped("trading", &TradeStatusChangedData{
		TradeID:     "t1",
		PortfolioID: "p1",
		Symbol:      "ETH",
		Status:      "completed",
	})

	require.NotNil(t, got)
	assert.Equal(t, "trading", got.Module)
	assert.Equal(t, "completed", got.Data["status"])
	assert.Same(t, bus, manager.Bus())
}

func TestManager_EmitError(t *testing.T) {
	bus := newTestBus()
	manager := NewManager(bus, zerolog.New(nil).Level(zerolog.Disabled))

	var got *Event
	bus.Subscribe(ErrorOccurred, func(e *Event) { got = e })

	manager.EmitError("hub", assert.AnError, map[string]interface{}{"symbol": "BTC"})

	require.NotNil(t, got)
	assert.Equal(t, assert.AnError.Error(), got.Data["error"])
}
