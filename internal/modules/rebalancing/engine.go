package rebalancing

import (
	"fmt"
	"sort"

	"github.com/aristath/folio/internal/domain"
	"github.com/shopspring/decimal"
)

// NotionalPlaces is the precision trade notionals are rounded to
const NotionalPlaces = 2

var one = decimal.NewFromInt(1)

// ComputeTrades returns the buy/sell instructions that bring each symbol's
// share of total value back to its target. A symbol whose deviation is at
// most threshold is left alone. Held symbols without a target are sold down
// to zero. The result is sorted by symbol.
//
// The comparison runs on values rather than fractions:
// |target×total − value| > threshold×total is the same test as
// |target − value/total| > threshold without the rounding of a division.
func ComputeTrades(
	positions []domain.Position,
	targets domain.TargetAllocation,
	threshold decimal.Decimal,
) ([]domain.TradeInstruction, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	normalizedTargets, err := normalizeTargets(targets)
	if err != nil {
		return nil, err
	}

	held := make(map[string]decimal.Decimal, len(positions))
	total := decimal.Zero
	for _, pos := range positions {
		if err := pos.Validate(); err != nil {
			return nil, err
		}
		symbol := domain.NormalizeSymbol(pos.Symbol)
		value := pos.Value()
		held[symbol] = held[symbol].Add(value)
		total = total.Add(value)
	}

	instructions := make([]domain.TradeInstruction, 0)
	if total.IsZero() {
		return instructions, nil
	}

	universe := make([]string, 0, len(held)+len(normalizedTargets))
	for symbol := range held {
		universe = append(universe, symbol)
	}
	for symbol := range normalizedTargets {
		if _, ok := held[symbol]; !ok {
			universe = append(universe, symbol)
		}
	}
	sort.Strings(universe)

	tolerance := threshold.Mul(total)
	for _, symbol := range universe {
		desired := normalizedTargets[symbol].Mul(total)
		gap := desired.Sub(held[symbol])
		if gap.Abs().LessThanOrEqual(tolerance) {
			continue
		}

		notional := gap.Abs().Round(NotionalPlaces)
		if !notional.IsPositive() {
			continue
		}

		direction := domain.DirectionBuy
		if gap.IsNegative() {
			direction = domain.DirectionSell
		}
		instructions = append(instructions, domain.TradeInstruction{
			Symbol:    symbol,
			Direction: direction,
			Notional:  notional,
		})
	}

	return instructions, nil
}

// ValidateSettings checks threshold and target ranges before any work is done
func ValidateSettings(settings domain.RebalanceSettings) error {
	if err := validateThreshold(settings.Threshold); err != nil {
		return err
	}
	_, err := normalizeTargets(settings.TargetAllocations)
	return err
}

func validateThreshold(threshold decimal.Decimal) error {
	if !threshold.IsPositive() || threshold.GreaterThan(one) {
		return fmt.Errorf("%w: threshold %s must be in (0, 1]", domain.ErrInvalidInput, threshold)
	}
	return nil
}

func normalizeTargets(targets domain.TargetAllocation) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(targets))
	for raw, fraction := range targets {
		symbol := domain.NormalizeSymbol(raw)
		if symbol == "" {
			return nil, fmt.Errorf("%w: target with empty symbol", domain.ErrInvalidInput)
		}
		if fraction.IsNegative() || fraction.GreaterThan(one) {
			return nil, fmt.Errorf("%w: target %s for %s must be in [0, 1]", domain.ErrInvalidInput, fraction, symbol)
		}
		if _, dup := out[symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate target for %s", domain.ErrInvalidInput, symbol)
		}
		out[symbol] = fraction
	}
	return out, nil
}
