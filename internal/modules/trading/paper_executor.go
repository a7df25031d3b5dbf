package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/folio/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SafetyLimits bound what the paper executor will fill. Zero means no bound.
type SafetyLimits struct {
	MinNotional decimal.Decimal
	MaxNotional decimal.Decimal
}

// Check returns why a record may not be filled, or nil
func (l SafetyLimits) Check(rec domain.TradeRecord) error {
	if !l.MinNotional.IsZero() && rec.Notional.LessThan(l.MinNotional) {
		return fmt.Errorf("notional %s below minimum %s", rec.Notional, l.MinNotional)
	}
	if !l.MaxNotional.IsZero() && rec.Notional.GreaterThan(l.MaxNotional) {
		return fmt.Errorf("notional %s above maximum %s", rec.Notional, l.MaxNotional)
	}
	return nil
}

// PaperExecutor stands in for a broker: every offered record that passes the
// safety limits is filled immediately, the rest are marked failed.
type PaperExecutor struct {
	service *Service
	limits  SafetyLimits
	log     zerolog.Logger
}

// NewPaperExecutor creates a paper executor settling trades through service
func NewPaperExecutor(service *Service, limits SafetyLimits, log zerolog.Logger) *PaperExecutor {
	return &PaperExecutor{
		service: service,
		limits:  limits,
		log:     log.With().Str("component", "paper_executor").Logger(),
	}
}

// Execute settles records in the order offered. It keeps going after a
// failure and returns every failure joined.
func (e *PaperExecutor) Execute(ctx context.Context, portfolioID string, records []domain.TradeRecord) error {
	var errs []error
	filled := 0

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		status := domain.TradeStatusCompleted
		if reason := e.limits.Check(rec); reason != nil {
			e.log.Warn().
				Str("trade_id", rec.ID).
				Str("symbol", rec.Symbol).
				Str("reason", reason.Error()).
				Msg("Rejecting trade")
			status = domain.TradeStatusFailed
		}

		if _, err := e.service.Transition(ctx, rec.ID, status); err != nil {
			errs = append(errs, err)
			continue
		}
		if status == domain.TradeStatusCompleted {
			filled++
		}
	}

	e.log.Info().
		Str("portfolio_id", portfolioID).
		Int("offered", len(records)).
		Int("filled", filled).
		Msg("Paper execution finished")

	return errors.Join(errs...)
}
