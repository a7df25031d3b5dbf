// Package quotes provides quote sources for the broadcast hub.
package quotes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker around the upstream API
type BreakerSettings struct {
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// DefaultBreakerSettings trips after half of at least 5 requests fail and
// probes again after 15s.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MinRequests: 5, FailureRatio: 0.5, OpenTimeout: 15 * time.Second}
}

// HTTPSource fetches quotes from a JSON market-data API:
// GET {base}/quote?symbol=SYM&apikey=KEY
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// quoteResponse is the upstream payload
type quoteResponse struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
	Timestamp     int64           `json:"timestamp"`
}

// NewHTTPSource creates a new HTTP quote source
func NewHTTPSource(baseURL, apiKey string, settings BreakerSettings, log zerolog.Logger) *HTTPSource {
	s := &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// Per-fetch deadlines come from the caller's context
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("client", "quotes-http").Logger(),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "quotes",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return s
}

// GetQuote fetches the latest quote for symbol
func (s *HTTPSource) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return domain.Quote{}, fmt.Errorf("%w: empty symbol", domain.ErrInvalidInput)
	}

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, symbol)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Quote{}, fmt.Errorf("%w: %s: upstream circuit open", domain.ErrQuoteUnavailable, symbol)
		}
		return domain.Quote{}, err
	}
	return res.(domain.Quote), nil
}

// BreakerState reports the breaker state for the status endpoint
func (s *HTTPSource) BreakerState() string {
	return s.breaker.State().String()
}

func (s *HTTPSource) fetch(ctx context.Context, symbol string) (domain.Quote, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if s.apiKey != "" {
		params.Set("apikey", s.apiKey)
	}
	reqURL := s.baseURL + "/quote?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("failed to build quote request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %s: request failed: %v", domain.ErrQuoteUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Quote{}, fmt.Errorf("%w: %s: API returned status %d", domain.ErrQuoteUnavailable, symbol, resp.StatusCode)
	}

	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %s: failed to parse response: %v", domain.ErrQuoteUnavailable, symbol, err)
	}
	if !payload.Price.IsPositive() {
		return domain.Quote{}, fmt.Errorf("%w: %s: non-positive price %s", domain.ErrQuoteUnavailable, symbol, payload.Price)
	}

	ts := time.Now().UTC()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0).UTC()
	}

	s.log.Debug().
		Str("symbol", symbol).
		Str("price", payload.Price.String()).
		Msg("Fetched quote")

	return domain.Quote{
		Symbol:        symbol,
		Price:         payload.Price,
		ChangePercent: payload.ChangePercent,
		Volume:        payload.Volume,
		Timestamp:     ts,
	}, nil
}
