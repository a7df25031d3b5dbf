// Package portfolio provides portfolio position storage and valuation.
package portfolio

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/folio/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionRepositoryInterface is the storage contract the service needs
type PositionRepositoryInterface interface {
	GetPositions(ctx context.Context, portfolioID string) ([]domain.Position, error)
	Save(ctx context.Context, portfolioID, ownerID string, positions []domain.Position) error
}

// Service validates position updates and values portfolios
type Service struct {
	positionRepo PositionRepositoryInterface
	log          zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(positionRepo PositionRepositoryInterface, log zerolog.Logger) *Service {
	return &Service{
		positionRepo: positionRepo,
		log:          log.With().Str("service", "portfolio").Logger(),
	}
}

// HoldingSummary is one symbol's share of the portfolio
type HoldingSummary struct {
	Symbol     string          `json:"symbol"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"current_price"`
	Value      decimal.Decimal `json:"value"`
	Allocation decimal.Decimal `json:"allocation"`
}

// Summary is a valuation of a portfolio at current prices
type Summary struct {
	PortfolioID string           `json:"portfolio_id"`
	TotalValue  decimal.Decimal  `json:"total_value"`
	Holdings    []HoldingSummary `json:"holdings"`
}

// SavePositions normalizes and validates positions, then replaces the stored
// set. Duplicate symbols are rejected rather than merged.
func (s *Service) SavePositions(ctx context.Context, portfolioID, ownerID string, positions []domain.Position) ([]domain.Position, error) {
	normalized, err := NormalizePositions(positions)
	if err != nil {
		return nil, err
	}

	if err := s.positionRepo.Save(ctx, portfolioID, ownerID, normalized); err != nil {
		return nil, fmt.Errorf("failed to save positions: %w", err)
	}

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Int("positions", len(normalized)).
		Msg("Portfolio positions updated")
	return normalized, nil
}

// GetPositions returns the stored positions
func (s *Service) GetPositions(ctx context.Context, portfolioID string) ([]domain.Position, error) {
	return s.positionRepo.GetPositions(ctx, portfolioID)
}

// GetSummary values every holding and its share of the total
func (s *Service) GetSummary(ctx context.Context, portfolioID string) (*Summary, error) {
	positions, err := s.positionRepo.GetPositions(ctx, portfolioID)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.Value())
	}

	summary := &Summary{
		PortfolioID: portfolioID,
		TotalValue:  total,
		Holdings:    make([]HoldingSummary, 0, len(positions)),
	}
	for _, pos := range positions {
		value := pos.Value()
		allocation := decimal.Zero
		if total.IsPositive() {
			allocation = value.Div(total).Round(6)
		}
		summary.Holdings = append(summary.Holdings, HoldingSummary{
			Symbol:     pos.Symbol,
			Quantity:   pos.Quantity,
			Price:      pos.CurrentPrice,
			Value:      value,
			Allocation: allocation,
		})
	}
	return summary, nil
}

// NormalizePositions upper-cases symbols, validates each position and
// returns them sorted by symbol.
func NormalizePositions(positions []domain.Position) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(positions))
	seen := make(map[string]bool, len(positions))

	for _, pos := range positions {
		pos.Symbol = domain.NormalizeSymbol(pos.Symbol)
		if err := pos.Validate(); err != nil {
			return nil, err
		}
		if seen[pos.Symbol] {
			return nil, fmt.Errorf("%w: duplicate position for %s", domain.ErrInvalidInput, pos.Symbol)
		}
		seen[pos.Symbol] = true
		out = append(out, pos)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}
