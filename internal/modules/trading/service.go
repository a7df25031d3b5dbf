package trading

import (
	"context"
	"fmt"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/rs/zerolog"
)

// TradeRepositoryInterface defines the interface for trade persistence
type TradeRepositoryInterface interface {
	// GetByID retrieves one record
	GetByID(ctx context.Context, id string) (*domain.TradeRecord, error)

	// UpdateStatus settles a pending record
	UpdateStatus(ctx context.Context, id string, status domain.TradeStatus) (*domain.TradeRecord, error)
}

// Service owns trade status transitions and announces them on the event bus
type Service struct {
	tradeRepo    TradeRepositoryInterface
	eventManager *events.Manager
	log          zerolog.Logger
}

// NewService creates a new trading service. eventManager may be nil.
func NewService(tradeRepo TradeRepositoryInterface, eventManager *events.Manager, log zerolog.Logger) *Service {
	return &Service{
		tradeRepo:    tradeRepo,
		eventManager: eventManager,
		log:          log.With().Str("service", "trading").Logger(),
	}
}

// GetTrade returns one record
func (s *Service) GetTrade(ctx context.Context, id string) (*domain.TradeRecord, error) {
	return s.tradeRepo.GetByID(ctx, id)
}

// Transition settles a pending trade as completed or failed
func (s *Service) Transition(ctx context.Context, id string, status domain.TradeStatus) (*domain.TradeRecord, error) {
	rec, err := s.tradeRepo.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, fmt.Errorf("failed to transition trade %s: %w", id, err)
	}

	if s.eventManager != nil {
		s.eventManager.EmitTyped("trading", &events.TradeStatusChangedData{
			TradeID:     rec.ID,
			PortfolioID: rec.PortfolioID,
			Symbol:      rec.Symbol,
			Status:      string(rec.Status),
		})
	}

	s.log.Info().
		Str("trade_id", rec.ID).
		Str("portfolio_id", rec.PortfolioID).
		Str("symbol", rec.Symbol).
		Str("status", string(rec.Status)).
		Msg("Trade status changed")

	return rec, nil
}
