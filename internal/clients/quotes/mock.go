package quotes

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,14}$`)

// basePrices anchors the synthetic walk for well-known symbols
var basePrices = map[string]float64{
	"BTC":  50000,
	"ETH":  2000,
	"SOL":  100,
	"AAPL": 190,
	"MSFT": 410,
	"TSLA": 240,
}

// MockSource generates deterministic quotes: the same symbol at the same
// wall-clock second always yields the same quote. Moves are drawn from a
// standard normal through its inverse CDF.
type MockSource struct {
	now        func() time.Time
	volatility float64
	normal     distuv.Normal
}

// NewMockSource creates a mock source with 1% per-second volatility
func NewMockSource() *MockSource {
	return &MockSource{
		now:        time.Now,
		volatility: 0.01,
		normal:     distuv.Normal{Mu: 0, Sigma: 1},
	}
}

// WithClock returns a copy of the source using now as its clock
func (m *MockSource) WithClock(now func() time.Time) *MockSource {
	c := *m
	c.now = now
	return &c
}

// GetQuote returns the synthetic quote for symbol at the current second
func (m *MockSource) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %v", domain.ErrQuoteUnavailable, err)
	}
	symbol = domain.NormalizeSymbol(symbol)
	if !symbolPattern.MatchString(symbol) {
		return domain.Quote{}, fmt.Errorf("%w: unknown symbol %q", domain.ErrQuoteUnavailable, symbol)
	}

	ts := m.now().UTC().Truncate(time.Second)
	z := m.draw(symbol, ts.Unix())

	base := m.basePrice(symbol)
	price := decimal.NewFromFloat(base * (1 + m.volatility*z)).Round(2)
	change := decimal.NewFromFloat(m.volatility * z * 100).Round(2)

	return domain.Quote{
		Symbol:        symbol,
		Price:         price,
		ChangePercent: change,
		Volume:        int64(1000 + seed(symbol, ts.Unix()+1)%100000),
		Timestamp:     ts,
	}, nil
}

// draw maps (symbol, second) to a standard normal variate clamped to ±4
func (m *MockSource) draw(symbol string, second int64) float64 {
	const buckets = 1 << 20
	u := (float64(seed(symbol, second)%buckets) + 0.5) / buckets
	z := m.normal.Quantile(u)
	return math.Max(-4, math.Min(4, z))
}

func (m *MockSource) basePrice(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	return 10 + float64(seed(symbol, 0)%50000)/100
}

func seed(symbol string, n int64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(symbol))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}
