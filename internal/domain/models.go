// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position represents a holding of one symbol in a portfolio
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	CurrentPrice decimal.Decimal `json:"current_price"`
}

// Value returns quantity × current price
func (p Position) Value() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// Validate checks the position is usable for allocation math
func (p Position) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("%w: position symbol is empty", ErrInvalidInput)
	}
	if p.Quantity.IsNegative() {
		return fmt.Errorf("%w: negative quantity %s for %s", ErrInvalidInput, p.Quantity, p.Symbol)
	}
	if p.CurrentPrice.IsNegative() {
		return fmt.Errorf("%w: negative price %s for %s", ErrInvalidInput, p.CurrentPrice, p.Symbol)
	}
	return nil
}

// TargetAllocation maps symbol -> target fraction of total portfolio value.
// Fractions are in [0,1] and need not sum to 1; the remainder is implicit cash.
type TargetAllocation map[string]decimal.Decimal

// Direction is the side of a trade instruction
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// TradeInstruction is one buy/sell produced by the rebalance engine.
// Notional is always strictly positive.
type TradeInstruction struct {
	Symbol    string          `json:"symbol"`
	Direction Direction       `json:"direction"`
	Notional  decimal.Decimal `json:"notional"`
}

// TradeStatus is owned by the execution collaborator
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusCompleted TradeStatus = "completed"
	TradeStatusFailed    TradeStatus = "failed"
)

// Valid reports whether s is a known status
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeStatusPending, TradeStatusCompleted, TradeStatusFailed:
		return true
	}
	return false
}

// TradeRecord is a persisted trade instruction
type TradeRecord struct {
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	PortfolioID string      `json:"portfolio_id"`
	Status      TradeStatus `json:"status"`
	Seq         int         `json:"seq"`
	TradeInstruction
}

// RebalanceSettings drives one rebalance run
type RebalanceSettings struct {
	TargetAllocations TargetAllocation `json:"target_allocations"`
	Threshold         decimal.Decimal  `json:"threshold"`
	AutoTrade         bool             `json:"auto_trade"`
}

// Quote is one price observation from a quote source
type Quote struct {
	Timestamp     time.Time       `json:"timestamp"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Volume        int64           `json:"volume"`
}

// NormalizeSymbol upper-cases and trims a ticker symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
