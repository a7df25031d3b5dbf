// Package trading persists rebalance trade records and transitions their status.
package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultListLimit bounds history queries that pass no limit
const DefaultListLimit = 100

// tradeColumns is the column list shared by every SELECT.
// Order must match scanTrade().
const tradeColumns = `id, run_id, portfolio_id, seq, symbol, direction, notional, status, created_at, updated_at`

// TradeRepository handles rebalance trade records in ledger.db
type TradeRepository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(ledgerDB *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "trade").Logger(),
	}
}

// SaveInstructions stores one pending record per instruction, all or nothing.
// Records keep the instruction order through seq.
func (r *TradeRepository) SaveInstructions(
	ctx context.Context,
	portfolioID, runID string,
	instructions []domain.TradeInstruction,
) ([]domain.TradeRecord, error) {
	for _, instr := range instructions {
		if instr.Symbol == "" || !instr.Notional.IsPositive() {
			return nil, fmt.Errorf("%w: instruction needs a symbol and a positive notional", domain.ErrInvalidInput)
		}
		if instr.Direction != domain.DirectionBuy && instr.Direction != domain.DirectionSell {
			return nil, fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, instr.Direction)
		}
	}

	now := time.Now()
	records := make([]domain.TradeRecord, 0, len(instructions))

	err := database.WithTransactionContext(ctx, r.ledgerDB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO rebalance_trades
			(id, run_id, portfolio_id, seq, symbol, direction, notional, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for i, instr := range instructions {
			rec := domain.TradeRecord{
				ID:               uuid.NewString(),
				RunID:            runID,
				PortfolioID:      portfolioID,
				Seq:              i,
				Status:           domain.TradeStatusPending,
				CreatedAt:        now,
				UpdatedAt:        now,
				TradeInstruction: instr,
			}
			_, err := stmt.ExecContext(ctx,
				rec.ID,
				rec.RunID,
				rec.PortfolioID,
				rec.Seq,
				rec.Symbol,
				string(rec.Direction),
				rec.Notional.String(),
				string(rec.Status),
				now.UnixMilli(),
				now.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("failed to insert trade %s: %w", instr.Symbol, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info().
		Str("portfolio_id", portfolioID).
		Str("run_id", runID).
		Int("trades", len(records)).
		Msg("Trade instructions recorded")

	return records, nil
}

// ListByPortfolio returns the portfolio's records, newest run first and in
// instruction order within a run.
func (r *TradeRepository) ListByPortfolio(ctx context.Context, portfolioID string, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT `+tradeColumns+` FROM rebalance_trades
		WHERE portfolio_id = ?
		ORDER BY created_at DESC, run_id ASC, seq ASC
		LIMIT ?
	`, portfolioID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	records := make([]domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return records, nil
}

// GetByID returns one record
func (r *TradeRepository) GetByID(ctx context.Context, id string) (*domain.TradeRecord, error) {
	row := r.ledgerDB.QueryRowContext(ctx, "SELECT "+tradeColumns+" FROM rebalance_trades WHERE id = ?", id)
	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: trade %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return &rec, nil
}

// UpdateStatus moves a pending record to status. Settled records are final.
func (r *TradeRepository) UpdateStatus(ctx context.Context, id string, status domain.TradeStatus) (*domain.TradeRecord, error) {
	if !status.Valid() || status == domain.TradeStatusPending {
		return nil, fmt.Errorf("%w: cannot move a trade to %q", domain.ErrInvalidInput, status)
	}

	res, err := r.ledgerDB.ExecContext(ctx, `
		UPDATE rebalance_trades SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(status), time.Now().UnixMilli(), id, string(domain.TradeStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to update trade status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	rec, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 && rec.Status != status {
		return nil, fmt.Errorf("%w: trade %s is already %s", domain.ErrInvalidInput, id, rec.Status)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (domain.TradeRecord, error) {
	var rec domain.TradeRecord
	var direction, notional, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.PortfolioID,
		&rec.Seq,
		&rec.Symbol,
		&direction,
		&notional,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return rec, err
	}

	rec.Notional, err = decimal.NewFromString(notional)
	if err != nil {
		return rec, fmt.Errorf("bad notional %q on trade %s: %w", notional, rec.ID, err)
	}
	rec.Direction = domain.Direction(direction)
	rec.Status = domain.TradeStatus(status)
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)

	return rec, nil
}
