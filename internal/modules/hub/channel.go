// Package hub implements the real-time market-data hub: the subscription
// registry, the per-tick broadcaster, WebSocket connection lifecycle and
// per-connection price alerts.
package hub

import (
	"fmt"
	"strings"

	"github.com/aristath/folio/internal/domain"
)

// Channel names one topic of interest, e.g. "price:BTC" or "trades:p-1"
type Channel string

const (
	pricePrefix  = "price:"
	tradesPrefix = "trades:"

	maxChannelLength = 128
)

// PriceChannel returns the canonical price channel for symbol
func PriceChannel(symbol string) Channel {
	return Channel(pricePrefix + domain.NormalizeSymbol(symbol))
}

// TradesChannel returns the trade feed channel for a portfolio
func TradesChannel(portfolioID string) Channel {
	return Channel(tradesPrefix + strings.TrimSpace(portfolioID))
}

// IsPrice reports whether the channel uses the price prefix
func (c Channel) IsPrice() bool {
	return strings.HasPrefix(string(c), pricePrefix)
}

// IsTrades reports whether the channel uses the trades prefix
func (c Channel) IsTrades() bool {
	return strings.HasPrefix(string(c), tradesPrefix)
}

// Symbol extracts the ticker from a price channel. ok is false for
// non-price channels and for malformed names such as "price:" or "price:a b".
func (c Channel) Symbol() (symbol string, ok bool) {
	if !c.IsPrice() {
		return "", false
	}
	symbol = strings.TrimPrefix(string(c), pricePrefix)
	if symbol == "" || strings.ContainsAny(symbol, " \t\r\n") || symbol != domain.NormalizeSymbol(symbol) {
		return "", false
	}
	return symbol, true
}

// PortfolioID extracts the portfolio id from a trades channel
func (c Channel) PortfolioID() (string, bool) {
	if !c.IsTrades() {
		return "", false
	}
	id := strings.TrimPrefix(string(c), tradesPrefix)
	return id, id != ""
}

// ParseChannel validates a client-supplied channel name. Price channels are
// canonicalized so "price:btc" and "price:BTC" share one subscriber set.
func ParseChannel(raw string) (Channel, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty channel", domain.ErrInvalidInput)
	}
	if len(raw) > maxChannelLength {
		return "", fmt.Errorf("%w: channel name longer than %d bytes", domain.ErrInvalidInput, maxChannelLength)
	}

	ch := Channel(raw)
	switch {
	case ch.IsPrice():
		return PriceChannel(strings.TrimPrefix(raw, pricePrefix)), nil
	case ch.IsTrades():
		if _, ok := ch.PortfolioID(); !ok {
			return "", fmt.Errorf("%w: trades channel without portfolio id", domain.ErrInvalidInput)
		}
	}
	return ch, nil
}
