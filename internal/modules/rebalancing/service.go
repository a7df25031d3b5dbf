// Package rebalancing computes and records portfolio rebalancing trades.
package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Result is the outcome of one rebalance run. Instructions are always
// populated once computed, even when persisting them failed.
type Result struct {
	PortfolioID  string                    `json:"portfolio_id"`
	RunID        string                    `json:"run_id"`
	Instructions []domain.TradeInstruction `json:"trades"`
	Records      []domain.TradeRecord      `json:"records,omitempty"`
	AutoTrade    bool                      `json:"auto_trade"`
	Persisted    bool                      `json:"persisted"`
}

// Service orchestrates rebalancing: load positions, compute, persist,
// optionally execute, notify.
type Service struct {
	positions    domain.PositionStore
	trades       domain.TradeStore
	executor     domain.TradeExecutor
	notifier     domain.Notifier
	eventManager *events.Manager
	metrics      *metrics.Metrics
	locks        *portfolioLocks
	log          zerolog.Logger
}

// NewService creates a new rebalancing service. executor, notifier,
// eventManager and metrics may be nil.
func NewService(
	positions domain.PositionStore,
	trades domain.TradeStore,
	executor domain.TradeExecutor,
	notifier domain.Notifier,
	eventManager *events.Manager,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Service {
	return &Service{
		positions:    positions,
		trades:       trades,
		executor:     executor,
		notifier:     notifier,
		eventManager: eventManager,
		metrics:      m,
		locks:        newPortfolioLocks(),
		log:          log.With().Str("service", "rebalancing").Logger(),
	}
}

// Rebalance runs one rebalance for a portfolio. Runs for the same portfolio
// are serialized; different portfolios proceed in parallel.
//
// Execution failures are logged and never returned. A persistence failure is
// returned together with a Result holding the computed instructions.
func (s *Service) Rebalance(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) (*Result, error) {
	if err := ValidateSettings(settings); err != nil {
		s.metrics.RebalanceRun("invalid", 0, 0)
		return nil, err
	}

	unlock := s.locks.lock(portfolioID)
	defer unlock()

	start := time.Now()
	instructions, err := s.compute(ctx, portfolioID, settings)
	if err != nil {
		s.metrics.RebalanceRun(outcomeOf(err), 0, 0)
		return nil, err
	}
	buys, sells := countDirections(instructions)

	result := &Result{
		PortfolioID:  portfolioID,
		RunID:        uuid.NewString(),
		Instructions: instructions,
		AutoTrade:    settings.AutoTrade,
	}

	if len(instructions) > 0 {
		records, err := s.trades.SaveInstructions(ctx, portfolioID, result.RunID, instructions)
		if err != nil {
			s.metrics.RebalanceRun("persist_failed", buys, sells)
			s.log.Error().
				Err(err).
				Str("portfolio_id", portfolioID).
				Str("run_id", result.RunID).
				Int("trades", len(instructions)).
				Msg("Failed to persist trade instructions")
			return result, fmt.Errorf("failed to persist trade instructions: %w", err)
		}
		result.Records = records
	}
	result.Persisted = true

	if settings.AutoTrade && len(result.Records) > 0 {
		s.execute(ctx, portfolioID, result.Records)
	}

	if s.notifier != nil && len(instructions) > 0 {
		if err := s.notifier.NotifyTrades(ctx, portfolioID, instructions); err != nil {
			s.log.Warn().Err(err).Str("portfolio_id", portfolioID).Msg("Trade notification failed")
		}
	}

	if s.eventManager != nil {
		s.eventManager.EmitTyped("rebalancing", &events.RebalanceCompletedData{
			PortfolioID: portfolioID,
			RunID:       result.RunID,
			Trades:      len(instructions),
			AutoTrade:   settings.AutoTrade,
			Persisted:   result.Persisted,
		})
	}
	s.metrics.RebalanceRun("ok", buys, sells)

	s.log.Info().
		Str("portfolio_id", portfolioID).
		Str("run_id", result.RunID).
		Int("buys", buys).
		Int("sells", sells).
		Bool("auto_trade", settings.AutoTrade).
		Dur("duration", time.Since(start)).
		Msg("Rebalance completed")

	return result, nil
}

// Preview computes the instructions without persisting or executing them
func (s *Service) Preview(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) ([]domain.TradeInstruction, error) {
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return s.compute(ctx, portfolioID, settings)
}

// History returns persisted trade records for a portfolio, newest first
func (s *Service) History(ctx context.Context, portfolioID string, limit int) ([]domain.TradeRecord, error) {
	records, err := s.trades.ListByPortfolio(ctx, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load trade history: %w", err)
	}
	return records, nil
}

func (s *Service) compute(ctx context.Context, portfolioID string, settings domain.RebalanceSettings) ([]domain.TradeInstruction, error) {
	positions, err := s.positions.GetPositions(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	instructions, err := ComputeTrades(positions, settings.TargetAllocations, settings.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to compute trades: %w", err)
	}
	return instructions, nil
}

// execute offers records to the executor in engine order
func (s *Service) execute(ctx context.Context, portfolioID string, records []domain.TradeRecord) {
	if s.executor == nil {
		s.log.Warn().Str("portfolio_id", portfolioID).Msg("Auto-trade requested but no executor is configured")
		return
	}
	if err := s.executor.Execute(ctx, portfolioID, records); err != nil {
		s.log.Error().
			Err(err).
			Str("portfolio_id", portfolioID).
			Int("trades", len(records)).
			Msg("Trade execution reported failures")
	}
}

func countDirections(instructions []domain.TradeInstruction) (buys, sells int) {
	for _, instr := range instructions {
		if instr.Direction == domain.DirectionBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

// portfolioLocks hands out one mutex per portfolio id and forgets it once
// no caller holds or waits for it.
type portfolioLocks struct {
	mu    sync.Mutex
	locks map[string]*portfolioLock
}

type portfolioLock struct {
	mu   sync.Mutex
	refs int
}

func newPortfolioLocks() *portfolioLocks {
	return &portfolioLocks{locks: make(map[string]*portfolioLock)}
}

func (p *portfolioLocks) lock(id string) func() {
	p.mu.Lock()
	l, ok := p.locks[id]
	if !ok {
		l = &portfolioLock{}
		p.locks[id] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, id)
		}
		p.mu.Unlock()
	}
}

func (p *portfolioLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}
