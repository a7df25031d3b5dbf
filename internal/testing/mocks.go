package testing

import (
	"context"

	"github.com/aristath/folio/internal/domain"
	"github.com/stretchr/testify/mock"
)

// MockQuoteSource is a testify mock implementing domain.QuoteSource
type MockQuoteSource struct {
	mock.Mock
}

// GetQuote returns the configured quote for symbol
func (m *MockQuoteSource) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(domain.Quote), args.Error(1)
}

// MockTokenVerifier is a testify mock implementing domain.TokenVerifier
type MockTokenVerifier struct {
	mock.Mock
}

// Verify returns the configured user id for token
func (m *MockTokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

// MockTradeExecutor is a testify mock implementing domain.TradeExecutor
type MockTradeExecutor struct {
	mock.Mock
}

// Execute records the offered trade records
func (m *MockTradeExecutor) Execute(ctx context.Context, portfolioID string, records []domain.TradeRecord) error {
	args := m.Called(ctx, portfolioID, records)
	return args.Error(0)
}

// MockNotifier is a testify mock implementing domain.Notifier
type MockNotifier struct {
	mock.Mock
}

// NotifyTrades records the notification
func (m *MockNotifier) NotifyTrades(ctx context.Context, portfolioID string, instructions []domain.TradeInstruction) error {
	args := m.Called(ctx, portfolioID, instructions)
	return args.Error(0)
}

// MockPositionStore is a testify mock implementing domain.PositionStore
type MockPositionStore struct {
	mock.Mock
}

// GetPositions returns the configured positions
func (m *MockPositionStore) GetPositions(ctx context.Context, portfolioID string) ([]domain.Position, error) {
	args := m.Called(ctx, portfolioID)
	positions, _ := args.Get(0).([]domain.Position)
	return positions, args.Error(1)
}

// ReplacePositions records the replacement
func (m *MockPositionStore) ReplacePositions(ctx context.Context, portfolioID string, positions []domain.Position) error {
	args := m.Called(ctx, portfolioID, positions)
	return args.Error(0)
}

// MockTradeStore is a testify mock implementing domain.TradeStore
type MockTradeStore struct {
	mock.Mock
}

// SaveInstructions returns the configured records
func (m *MockTradeStore) SaveInstructions(ctx context.Context, portfolioID, runID string, instructions []domain.TradeInstruction) ([]domain.TradeRecord, error) {
	args := m.Called(ctx, portfolioID, runID, instructions)
	if fn, ok := args.Get(0).(func(context.Context, string, string, []domain.TradeInstruction) []domain.TradeRecord); ok {
		return fn(ctx, portfolioID, runID, instructions), args.Error(1)
	}
	records, _ := args.Get(0).([]domain.TradeRecord)
	return records, args.Error(1)
}

// ListByPortfolio returns the configured records
func (m *MockTradeStore) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]domain.TradeRecord, error) {
	args := m.Called(ctx, portfolioID, limit)
	records, _ := args.Get(0).([]domain.TradeRecord)
	return records, args.Error(1)
}
