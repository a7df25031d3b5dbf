package rebalancing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	testingpkg "github.com/aristath/folio/internal/testing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	positions *testingpkg.MockPositionStore
	trades    *testingpkg.MockTradeStore
	executor  *testingpkg.MockTradeExecutor
	notifier  *testingpkg.MockNotifier
	metrics   *metrics.Metrics
	events    []*events.Event
	service   *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	f := &serviceFixture{
		positions: new(testingpkg.MockPositionStore),
		trades:    new(testingpkg.MockTradeStore),
		executor:  new(testingpkg.MockTradeExecutor),
		notifier:  new(testingpkg.MockNotifier),
		metrics:   metrics.New(),
	}

	bus := events.NewBus(log)
	bus.Subscribe(events.RebalanceCompleted, func(e *events.Event) { f.events = append(f.events, e) })

	f.service = NewService(f.positions, f.trades, f.executor, f.notifier, events.NewManager(bus, log), f.metrics, log)
	return f
}

// recordsFor mimics the trade store: one pending record per instruction
func recordsFor(portfolioID, runID string, instructions []domain.TradeInstruction) []domain.TradeRecord {
	records := make([]domain.TradeRecord, len(instructions))
	for i, instr := range instructions {
		records[i] = domain.TradeRecord{
			ID:               "trade-" + instr.Symbol,
			RunID:            runID,
			PortfolioID:      portfolioID,
			Status:           domain.TradeStatusPending,
			Seq:              i,
			TradeInstruction: instr,
		}
	}
	return records
}

func (f *serviceFixture) expectSave() {
	f.trades.On("SaveInstructions", mock.Anything, "p1", mock.AnythingOfType("string"), mock.Anything).
		Return(func(_ context.Context, pid, runID string, instr []domain.TradeInstruction) []domain.TradeRecord {
			return recordsFor(pid, runID, instr)
		}, nil)
}

func TestRebalance_PersistsAndNotifies(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	f.trades.On("SaveInstructions", mock.Anything, "p1", mock.AnythingOfType("string"), mock.Anything).
		Return([]domain.TradeRecord{{ID: "a"}, {ID: "b"}}, nil)
	f.notifier.On("NotifyTrades", mock.Anything, "p1", mock.Anything).Return(nil)

	result, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(false))
	require.NoError(t, err)

	assert.Equal(t, "p1", result.PortfolioID)
	assert.NotEmpty(t, result.RunID)
	assert.True(t, result.Persisted)
	assert.False(t, result.AutoTrade)
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, describe(result.Instructions))
	assert.Len(t, result.Records, 2)

	// the run id handed to the store is the one reported back
	saveCall := f.trades.Calls[0]
	assert.Equal(t, result.RunID, saveCall.Arguments.String(2))

	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertCalled(t, "NotifyTrades", mock.Anything, "p1", result.Instructions)

	require.Len(t, f.events, 1)
	assert.Equal(t, "p1", f.events[0].Data["portfolio_id"])
	assert.Equal(t, result.RunID, f.events[0].Data["run_id"])

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RebalanceRuns.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TradesEmitted.WithLabelValues("buy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TradesEmitted.WithLabelValues("sell")))
}

func TestRebalance_AutoTradeOffersRecordsInOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	f.expectSave()
	f.notifier.On("NotifyTrades", mock.Anything, "p1", mock.Anything).Return(nil)

	var offered []domain.TradeRecord
	f.executor.On("Execute", mock.Anything, "p1", mock.Anything).
		Run(func(args mock.Arguments) { offered = args.Get(2).([]domain.TradeRecord) }).
		Return(nil)

	result, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.NoError(t, err)

	require.Len(t, offered, 2)
	assert.Equal(t, "BTC", offered[0].Symbol)
	assert.Equal(t, "ETH", offered[1].Symbol)
	assert.Equal(t, result.RunID, offered[0].RunID)
	assert.True(t, result.AutoTrade)
}

func TestRebalance_ExecutionFailureIsNotReturned(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	f.expectSave()
	f.notifier.On("NotifyTrades", mock.Anything, "p1", mock.Anything).Return(nil)
	f.executor.On("Execute", mock.Anything, "p1", mock.Anything).Return(errors.New("broker down"))

	result, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.NoError(t, err)
	assert.True(t, result.Persisted)
	f.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestRebalance_NotificationFailureIsNotReturned(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	f.expectSave()
	f.notifier.On("NotifyTrades", mock.Anything, "p1", mock.Anything).Return(errors.New("hub gone"))

	_, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(false))
	require.NoError(t, err)
	assert.Len(t, f.events, 1)
}

func TestRebalance_NoTradesSkipsPersistence(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return([]domain.Position{
		{Symbol: "BTC", Quantity: testingpkg.Dec("1"), CurrentPrice: testingpkg.Dec("100")},
		{Symbol: "ETH", Quantity: testingpkg.Dec("1"), CurrentPrice: testingpkg.Dec("100")},
	}, nil)

	result, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.NoError(t, err)

	assert.Empty(t, result.Instructions)
	assert.NotNil(t, result.Instructions)
	assert.True(t, result.Persisted)
	f.trades.AssertNotCalled(t, "SaveInstructions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "NotifyTrades", mock.Anything, mock.Anything, mock.Anything)
	assert.Len(t, f.events, 1)
}

func TestRebalance_PersistenceFailureKeepsInstructions(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	f.trades.On("SaveInstructions", mock.Anything, "p1", mock.Anything, mock.Anything).
		Return(nil, errors.New("disk full"))

	result, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to persist trade instructions")

	require.NotNil(t, result)
	assert.False(t, result.Persisted)
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, describe(result.Instructions))

	// nothing downstream runs for an unrecorded run
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "NotifyTrades", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RebalanceRuns.WithLabelValues("persist_failed")))
}

func TestRebalance_Errors(t *testing.T) {
	t.Run("unknown portfolio", func(t *testing.T) {
		f := newServiceFixture(t)
		f.positions.On("GetPositions", mock.Anything, "missing").Return(nil, domain.ErrNotFound)

		result, err := f.service.Rebalance(context.Background(), "missing", testingpkg.NewEvenSplitSettings(false))
		assert.Nil(t, result)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RebalanceRuns.WithLabelValues("not_found")))
	})

	t.Run("invalid threshold", func(t *testing.T) {
		f := newServiceFixture(t)
		settings := testingpkg.NewEvenSplitSettings(false)
		settings.Threshold = testingpkg.Dec("0")

		_, err := f.service.Rebalance(context.Background(), "p1", settings)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		f.positions.AssertNotCalled(t, "GetPositions", mock.Anything, mock.Anything)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RebalanceRuns.WithLabelValues("invalid")))
	})

	t.Run("invalid stored position", func(t *testing.T) {
		f := newServiceFixture(t)
		f.positions.On("GetPositions", mock.Anything, "p1").Return([]domain.Position{
			{Symbol: "BTC", Quantity: testingpkg.Dec("-1"), CurrentPrice: testingpkg.Dec("10")},
		}, nil)

		_, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(false))
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("store failure", func(t *testing.T) {
		f := newServiceFixture(t)
		f.positions.On("GetPositions", mock.Anything, "p1").Return(nil, errors.New("locked"))

		_, err := f.service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(false))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load positions")
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.RebalanceRuns.WithLabelValues("error")))
	})
}

func TestRebalance_NilCollaborators(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	positions := new(testingpkg.MockPositionStore)
	trades := new(testingpkg.MockTradeStore)
	positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)
	trades.On("SaveInstructions", mock.Anything, "p1", mock.Anything, mock.Anything).
		Return([]domain.TradeRecord{{ID: "a"}, {ID: "b"}}, nil)

	service := NewService(positions, trades, nil, nil, nil, nil, log)
	result, err := service.Rebalance(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.NoError(t, err)
	assert.True(t, result.Persisted)
}

// countingStore tracks how many loads overlap per portfolio
type countingStore struct {
	mu      sync.Mutex
	active  map[string]int
	maxSeen map[string]int
	total   atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{active: map[string]int{}, maxSeen: map[string]int{}}
}

func (s *countingStore) GetPositions(_ context.Context, portfolioID string) ([]domain.Position, error) {
	s.mu.Lock()
	s.active[portfolioID]++
	if s.active[portfolioID] > s.maxSeen[portfolioID] {
		s.maxSeen[portfolioID] = s.active[portfolioID]
	}
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	s.total.Add(1)

	s.mu.Lock()
	s.active[portfolioID]--
	s.mu.Unlock()
	return testingpkg.NewCryptoPositions(), nil
}

func (s *countingStore) ReplacePositions(context.Context, string, []domain.Position) error {
	return nil
}

type discardTrades struct{}

func (discardTrades) SaveInstructions(_ context.Context, pid, runID string, instr []domain.TradeInstruction) ([]domain.TradeRecord, error) {
	return recordsFor(pid, runID, instr), nil
}

func (discardTrades) ListByPortfolio(context.Context, string, int) ([]domain.TradeRecord, error) {
	return []domain.TradeRecord{}, nil
}

func TestRebalance_SerializesPerPortfolio(t *testing.T) {
	store := newCountingStore()
	service := NewService(store, discardTrades{}, nil, nil, nil, nil, zerolog.New(nil).Level(zerolog.Disabled))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		pid := "p1"
		if i%2 == 1 {
			pid = "p2"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Rebalance(context.Background(), pid, testingpkg.NewEvenSplitSettings(false))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(12), store.total.Load())
	assert.Equal(t, 1, store.maxSeen["p1"])
	assert.Equal(t, 1, store.maxSeen["p2"])
	assert.Equal(t, 0, service.locks.size())
}

func TestPortfolioLocks_IndependentIDs(t *testing.T) {
	locks := newPortfolioLocks()

	unlockA := locks.lock("a")
	acquired := make(chan struct{})
	go func() {
		unlock := locks.lock("b")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	assert.Equal(t, 1, locks.size())
	unlockA()
	assert.Equal(t, 0, locks.size())
}

func TestPreview_DoesNotPersist(t *testing.T) {
	f := newServiceFixture(t)
	f.positions.On("GetPositions", mock.Anything, "p1").Return(testingpkg.NewCryptoPositions(), nil)

	instructions, err := f.service.Preview(context.Background(), "p1", testingpkg.NewEvenSplitSettings(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, describe(instructions))

	f.trades.AssertNotCalled(t, "SaveInstructions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.events)

	settings := testingpkg.NewEvenSplitSettings(false)
	settings.Threshold = testingpkg.Dec("1.5")
	_, err = f.service.Preview(context.Background(), "p1", settings)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestHistory(t *testing.T) {
	f := newServiceFixture(t)
	f.trades.On("ListByPortfolio", mock.Anything, "p1", 10).Return([]domain.TradeRecord{{ID: "x"}}, nil)
	f.trades.On("ListByPortfolio", mock.Anything, "p2", 10).Return(nil, errors.New("boom"))

	records, err := f.service.History(context.Background(), "p1", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "x", records[0].ID)

	_, err = f.service.History(context.Background(), "p2", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load trade history")
}
