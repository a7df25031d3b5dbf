package testing

import (
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/shopspring/decimal"
)

// Dec parses a decimal literal and panics on malformed input
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// NewCryptoPositions returns a two-asset portfolio worth 70000:
// BTC 1 @ 50000 and ETH 10 @ 2000.
func NewCryptoPositions() []domain.Position {
	return []domain.Position{
		{Symbol: "BTC", Quantity: Dec("1"), CurrentPrice: Dec("50000")},
		{Symbol: "ETH", Quantity: Dec("10"), CurrentPrice: Dec("2000")},
	}
}

// NewEvenSplitSettings returns 50/50 BTC/ETH targets with a 5% threshold
func NewEvenSplitSettings(autoTrade bool) domain.RebalanceSettings {
	return domain.RebalanceSettings{
		TargetAllocations: domain.TargetAllocation{
			"BTC": Dec("0.5"),
			"ETH": Dec("0.5"),
		},
		Threshold: Dec("0.05"),
		AutoTrade: autoTrade,
	}
}

// NewQuote returns a quote stamped with a fixed time
func NewQuote(symbol, price string) domain.Quote {
	return domain.Quote{
		Symbol:        symbol,
		Price:         Dec(price),
		ChangePercent: Dec("1.5"),
		Volume:        1000,
		Timestamp:     time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
	}
}
