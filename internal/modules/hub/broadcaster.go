package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickReport summarizes one broadcast tick
type TickReport struct {
	Channels        int `json:"channels"`
	Symbols         int `json:"symbols"`
	FetchFailures   int `json:"fetch_failures"`
	Skipped         int `json:"skipped"`
	Delivered       int `json:"delivered"`
	SendFailures    int `json:"send_failures"`
	AlertsTriggered int `json:"alerts_triggered"`
}

// Broadcaster performs broadcast ticks: for every active price channel it
// fetches the latest quote and fans it out to the channel's subscribers.
type Broadcaster struct {
	registry     *Registry
	alerts       *AlertBook
	source       domain.QuoteSource
	eventManager *events.Manager
	metrics      *metrics.Metrics
	log          zerolog.Logger
	fetchTimeout time.Duration
	concurrency  int

	// ticks never overlap
	mu       sync.Mutex
	lastTick TickReport
	lastAt   time.Time
}

// NewBroadcaster creates a broadcaster. alerts, eventManager and metrics may be nil.
func NewBroadcaster(
	registry *Registry,
	alerts *AlertBook,
	source domain.QuoteSource,
	fetchTimeout time.Duration,
	concurrency int,
	eventManager *events.Manager,
	m *metrics.Metrics,
	log zerolog.Logger,
) *Broadcaster {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Broadcaster{
		registry:     registry,
		alerts:       alerts,
		source:       source,
		fetchTimeout: fetchTimeout,
		concurrency:  concurrency,
		eventManager: eventManager,
		metrics:      m,
		log:          log.With().Str("component", "broadcaster").Logger(),
	}
}

// Tick runs one broadcast pass. Per-symbol fetch failures and per-subscriber
// send failures are contained and only show up in the report.
func (b *Broadcaster) Tick(ctx context.Context) TickReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	channels := b.registry.ActiveChannels()

	var report TickReport
	report.Channels = len(channels)

	work := make(map[string][]Channel)
	for _, ch := range channels {
		symbol, ok := ch.Symbol()
		if !ok {
			if ch.IsPrice() {
				b.log.Warn().Str("channel", string(ch)).Msg("Skipping malformed price channel")
			}
			report.Skipped++
			continue
		}
		work[symbol] = append(work[symbol], ch)
	}
	if b.alerts != nil {
		for _, symbol := range b.alerts.Symbols() {
			if _, ok := work[symbol]; !ok {
				work[symbol] = nil
			}
		}
	}
	report.Symbols = len(work)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for symbol, chans := range work {
		symbol, chans := symbol, chans
		g.Go(func() error {
			partial := b.broadcastSymbol(ctx, symbol, chans)
			mu.Lock()
			report.FetchFailures += partial.FetchFailures
			report.Delivered += partial.Delivered
			report.SendFailures += partial.SendFailures
			report.AlertsTriggered += partial.AlertsTriggered
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	b.metrics.ObserveTick(elapsed, len(channels))
	b.lastTick = report
	b.lastAt = start

	b.log.Debug().
		Int("channels", report.Channels).
		Int("symbols", report.Symbols).
		Int("delivered", report.Delivered).
		Int("fetch_failures", report.FetchFailures).
		Int("send_failures", report.SendFailures).
		Dur("duration", elapsed).
		Msg("Tick complete")

	return report
}

// LastTick returns the report and start time of the most recent tick
func (b *Broadcaster) LastTick() (TickReport, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTick, b.lastAt
}

func (b *Broadcaster) broadcastSymbol(ctx context.Context, symbol string, chans []Channel) TickReport {
	var report TickReport

	fctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	quote, err := b.source.GetQuote(fctx, symbol)
	cancel()
	if err != nil {
		// silence for this tick: no retry, subscribers keep their membership
		report.FetchFailures++
		b.metrics.QuoteFetched(false)
		b.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote fetch failed, skipping symbol this tick")
		return report
	}
	b.metrics.QuoteFetched(true)
	quote.Symbol = symbol

	for _, ch := range chans {
		msg := PriceUpdate(ch, quote)
		for _, sub := range b.registry.SubscribersOf(ch) {
			if err := safeSend(ctx, sub, msg); err != nil {
				report.SendFailures++
				b.metrics.SendFailed()
				b.log.Debug().Err(err).Str("channel", string(ch)).Str("connection_id", sub.ID()).Msg("Send failed")
				continue
			}
			report.Delivered++
			b.metrics.MessageSent(string(msg.Type))
		}
	}

	if len(chans) > 0 && b.eventManager != nil {
		b.eventManager.EmitTyped("hub", &events.PriceUpdatedData{
			Symbol:        symbol,
			Price:         quote.Price.String(),
			ChangePercent: quote.ChangePercent.String(),
			Volume:        quote.Volume,
			Delivered:     report.Delivered,
		})
	}

	if b.alerts != nil {
		for _, alert := range b.alerts.Evaluate(symbol, quote.Price) {
			report.AlertsTriggered++
			b.metrics.AlertTriggered()
			if err := safeSend(ctx, alert.Owner, AlertTriggeredMessage(alert, quote.Price)); err != nil {
				b.log.Debug().Err(err).Str("alert_id", alert.ID).Msg("Alert delivery failed")
			}
			if b.eventManager != nil {
				b.eventManager.EmitTyped("hub", &events.AlertTriggeredData{
					AlertID:      alert.ID,
					ConnectionID: alert.Owner.ID(),
					Symbol:       alert.Symbol,
					Condition:    string(alert.Condition),
					TargetPrice:  alert.Target.String(),
					Price:        quote.Price.String(),
				})
			}
		}
	}

	return report
}

// safeSend isolates one subscriber: a closed peer, an error or a panic
// only affects this send.
func safeSend(ctx context.Context, sub Subscriber, msg Outbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	if sub.Closed() {
		return ErrConnClosed
	}
	return sub.Send(ctx, msg)
}
