package domain

import "context"

// QuoteSource supplies the latest quote for a symbol.
// Implementations may be a market-data API or a deterministic generator.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// TokenVerifier validates the identity token presented at connect time.
// It returns the authenticated user id, or an error wrapping ErrUnauthorized.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// TradeExecutor is offered persisted trade records, in engine order, when a
// rebalance runs with auto-trade enabled. It owns record status transitions.
type TradeExecutor interface {
	Execute(ctx context.Context, portfolioID string, records []TradeRecord) error
}

// Notifier is told about completed rebalance runs. Delivery is best effort.
type Notifier interface {
	NotifyTrades(ctx context.Context, portfolioID string, instructions []TradeInstruction) error
}

// PositionStore loads and saves portfolio positions
type PositionStore interface {
	GetPositions(ctx context.Context, portfolioID string) ([]Position, error)
	ReplacePositions(ctx context.Context, portfolioID string, positions []Position) error
}

// TradeStore persists trade instructions as records
type TradeStore interface {
	SaveInstructions(ctx context.Context, portfolioID, runID string, instructions []TradeInstruction) ([]TradeRecord, error)
	ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]TradeRecord, error)
}
