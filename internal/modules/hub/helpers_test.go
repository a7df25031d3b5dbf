package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// fakeSubscriber records what it was sent
type fakeSubscriber struct {
	id       string
	mu       sync.Mutex
	received []Outbound
	sendErr  error
	panics   bool
	closed   atomic.Bool
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Closed() bool { return f.closed.Load() }

func (f *fakeSubscriber) Send(_ context.Context, msg Outbound) error {
	if f.panics {
		panic("transport exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeSubscriber) messages() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Outbound(nil), f.received...)
}

func (f *fakeSubscriber) ofType(typ OutboundType) []Outbound {
	var out []Outbound
	for _, m := range f.messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// fakeSource serves fixed prices, failures and delays per symbol
type fakeSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	delays map[string]time.Duration
	calls  map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prices: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		delays: make(map[string]time.Duration),
		calls:  make(map[string]int),
	}
}

func (s *fakeSource) setPrice(symbol, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = decimal.RequireFromString(price)
}

func (s *fakeSource) setError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[symbol] = err
}

func (s *fakeSource) setDelay(symbol string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[symbol] = d
}

func (s *fakeSource) callCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[symbol]
}

func (s *fakeSource) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	s.mu.Lock()
	s.calls[symbol]++
	price, ok := s.prices[symbol]
	err := s.errs[symbol]
	delay := s.delays[symbol]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Quote{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Quote{}, err
	}
	if !ok {
		return domain.Quote{}, domain.ErrQuoteUnavailable
	}
	return domain.Quote{
		Symbol:        symbol,
		Price:         price,
		ChangePercent: decimal.RequireFromString("0.5"),
		Volume:        100,
		Timestamp:     time.Now(),
	}, nil
}
