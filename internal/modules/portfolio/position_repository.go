package portfolio

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionRepository handles portfolio and position database operations.
// Quantities and prices are stored as decimal text.
type PositionRepository struct {
	portfolioDB *sql.DB // portfolio.db - portfolios, positions
	log         zerolog.Logger
}

// NewPositionRepository creates a new position repository
func NewPositionRepository(portfolioDB *sql.DB, log zerolog.Logger) *PositionRepository {
	return &PositionRepository{
		portfolioDB: portfolioDB,
		log:         log.With().Str("repo", "position").Logger(),
	}
}

// Exists reports whether the portfolio has been created
func (r *PositionRepository) Exists(ctx context.Context, portfolioID string) (bool, error) {
	var one int
	err := r.portfolioDB.QueryRowContext(ctx, "SELECT 1 FROM portfolios WHERE id = ?", portfolioID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check portfolio existence: %w", err)
	}
	return true, nil
}

// GetPositions returns the portfolio's positions ordered by symbol.
// A portfolio that was never created is ErrNotFound; an empty one is not.
func (r *PositionRepository) GetPositions(ctx context.Context, portfolioID string) ([]domain.Position, error) {
	exists, err := r.Exists(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: portfolio %s", domain.ErrNotFound, portfolioID)
	}

	rows, err := r.portfolioDB.QueryContext(ctx, `
		SELECT symbol, quantity, current_price
		FROM positions
		WHERE portfolio_id = ?
		ORDER BY symbol ASC
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// ReplacePositions swaps the portfolio's positions for the given set, creating
// the portfolio if needed. The existing owner is kept.
func (r *PositionRepository) ReplacePositions(ctx context.Context, portfolioID string, positions []domain.Position) error {
	return r.Save(ctx, portfolioID, "", positions)
}

// Save creates or updates the portfolio and replaces its positions in one
// transaction. An empty ownerID leaves the stored owner untouched.
func (r *PositionRepository) Save(ctx context.Context, portfolioID, ownerID string, positions []domain.Position) error {
	if portfolioID == "" {
		return fmt.Errorf("%w: portfolio id is empty", domain.ErrInvalidInput)
	}

	now := time.Now().Unix()
	err := database.WithTransactionContext(ctx, r.portfolioDB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO portfolios (id, owner_id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner_id = CASE WHEN excluded.owner_id = '' THEN portfolios.owner_id ELSE excluded.owner_id END,
				updated_at = excluded.updated_at
		`, portfolioID, ownerID, now, now)
		if err != nil {
			return fmt.Errorf("failed to upsert portfolio: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE portfolio_id = ?", portfolioID); err != nil {
			return fmt.Errorf("failed to clear positions: %w", err)
		}

		for _, pos := range positions {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO positions (portfolio_id, symbol, quantity, current_price, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, portfolioID, pos.Symbol, pos.Quantity.String(), pos.CurrentPrice.String(), now)
			if err != nil {
				return fmt.Errorf("failed to insert position %s: %w", pos.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("portfolio_id", portfolioID).
		Int("positions", len(positions)).
		Msg("Positions replaced")
	return nil
}

// Owner returns the portfolio's owner id
func (r *PositionRepository) Owner(ctx context.Context, portfolioID string) (string, error) {
	var owner string
	err := r.portfolioDB.QueryRowContext(ctx, "SELECT owner_id FROM portfolios WHERE id = ?", portfolioID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: portfolio %s", domain.ErrNotFound, portfolioID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get portfolio owner: %w", err)
	}
	return owner, nil
}

// IsOwner reports whether userID owns the portfolio. Unknown portfolios
// are owned by nobody.
func (r *PositionRepository) IsOwner(ctx context.Context, portfolioID, userID string) (bool, error) {
	owner, err := r.Owner(ctx, portfolioID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner != "" && owner == userID, nil
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var pos domain.Position
	var quantity, price string

	if err := rows.Scan(&pos.Symbol, &quantity, &price); err != nil {
		return pos, err
	}

	var err error
	if pos.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return pos, fmt.Errorf("bad quantity %q for %s: %w", quantity, pos.Symbol, err)
	}
	if pos.CurrentPrice, err = decimal.NewFromString(price); err != nil {
		return pos, fmt.Errorf("bad price %q for %s: %w", price, pos.Symbol, err)
	}
	return pos, nil
}
