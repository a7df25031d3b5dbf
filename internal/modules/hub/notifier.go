package hub

import (
	"context"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/metrics"
	"github.com/rs/zerolog"
)

// TradeNotifier pushes rebalance results to trades:<portfolio> subscribers
type TradeNotifier struct {
	registry *Registry
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewTradeNotifier creates a notifier backed by the registry
func NewTradeNotifier(registry *Registry, m *metrics.Metrics, log zerolog.Logger) *TradeNotifier {
	return &TradeNotifier{
		registry: registry,
		metrics:  m,
		log:      log.With().Str("component", "trade_notifier").Logger(),
	}
}

// NotifyTrades delivers a TRADE_UPDATE to every watcher of the portfolio.
// Delivery is best effort; individual send failures are logged only.
func (n *TradeNotifier) NotifyTrades(ctx context.Context, portfolioID string, instructions []domain.TradeInstruction) error {
	msg := TradeUpdate(portfolioID, instructions)
	subs := n.registry.SubscribersOf(TradesChannel(portfolioID))

	delivered := 0
	for _, sub := range subs {
		if err := safeSend(ctx, sub, msg); err != nil {
			n.metrics.SendFailed()
			n.log.Debug().Err(err).Str("connection_id", sub.ID()).Msg("Trade update dropped")
			continue
		}
		n.metrics.MessageSent(string(msg.Type))
		delivered++
	}

	n.log.Debug().
		Str("portfolio_id", portfolioID).
		Int("trades", len(instructions)).
		Int("delivered", delivered).
		Msg("Trade update sent")
	return nil
}
