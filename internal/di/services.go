package di

import (
	"fmt"

	"github.com/aristath/folio/internal/auth"
	"github.com/aristath/folio/internal/clients/quotes"
	"github.com/aristath/folio/internal/config"
	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	"github.com/aristath/folio/internal/modules/hub"
	"github.com/aristath/folio/internal/modules/portfolio"
	"github.com/aristath/folio/internal/modules/rebalancing"
	"github.com/aristath/folio/internal/modules/trading"
	"github.com/rs/zerolog"
)

// Hub limits that are not worth a config knob
const (
	maxAlertsPerConnection   = 32
	maxChannelsPerConnection = 256
)

// InitializeRepositories creates repositories on the open databases
func InitializeRepositories(container *Container, log zerolog.Logger) error {
	if container.PortfolioDB == nil || container.LedgerDB == nil {
		return fmt.Errorf("databases must be initialized before repositories")
	}
	container.PositionRepo = portfolio.NewPositionRepository(container.PortfolioDB.Conn(), log)
	container.TradeRepo = trading.NewTradeRepository(container.LedgerDB.Conn(), log)
	return nil
}

// InitializeServices creates the event bus, metrics, hub and business services
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container.PositionRepo == nil || container.TradeRepo == nil {
		return fmt.Errorf("repositories must be initialized before services")
	}

	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)
	container.Metrics = metrics.New()

	source, err := newQuoteSource(cfg, log)
	if err != nil {
		return err
	}
	container.QuoteSource = source

	// Hub
	container.Registry = hub.NewRegistry()
	container.Alerts = hub.NewAlertBook(maxAlertsPerConnection)
	container.Broadcaster = hub.NewBroadcaster(
		container.Registry,
		container.Alerts,
		container.QuoteSource,
		cfg.Hub.QuoteTimeout,
		cfg.QuoteConcurrency,
		container.EventManager,
		container.Metrics,
		log,
	)

	var anonymous domain.TokenVerifier
	if cfg.AllowAnonymousUserID {
		anonymous = auth.AnonymousVerifier{}
	}
	var verifier domain.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	container.HubManager = hub.NewManager(
		hub.ManagerConfig{
			AuthTimeout:          cfg.Hub.AuthTimeout,
			SendTimeout:          cfg.Hub.SendTimeout,
			SendQueueSize:        cfg.Hub.SendQueueSize,
			InboundRate:          cfg.Hub.InboundRate,
			InboundBurst:         cfg.Hub.InboundBurst,
			ReadLimit:            cfg.Hub.ReadLimit,
			MaxChannelsPerConn:   maxChannelsPerConnection,
			AllowAnonymousUserID: cfg.AllowAnonymousUserID,
			InsecureSkipVerify:   cfg.DevMode,
			OriginPatterns:       cfg.AllowedOrigins,
		},
		container.Registry,
		container.Alerts,
		verifier,
		anonymous,
		container.EventManager,
		container.Metrics,
		log,
	)
	// Trade feeds are limited to the portfolio owner
	container.HubManager.SetPortfolioAccess(container.PositionRepo)
	container.TradeNotifier = hub.NewTradeNotifier(container.Registry, container.Metrics, log)

	// Business services
	container.PortfolioService = portfolio.NewService(container.PositionRepo, log)
	container.TradingService = trading.NewService(container.TradeRepo, container.EventManager, log)
	container.PaperExecutor = trading.NewPaperExecutor(container.TradingService, trading.SafetyLimits{
		MinNotional: cfg.PaperMinNotional,
		MaxNotional: cfg.PaperMaxNotional,
	}, log)
	container.RebalancingService = rebalancing.NewService(
		container.PositionRepo,
		container.TradeRepo,
		container.PaperExecutor,
		container.TradeNotifier,
		container.EventManager,
		container.Metrics,
		log,
	)

	log.Info().Str("quote_source", cfg.QuoteSource).Msg("Services initialized")
	return nil
}

func newQuoteSource(cfg *config.Config, log zerolog.Logger) (domain.QuoteSource, error) {
	switch cfg.QuoteSource {
	case config.QuoteSourceMock:
		return quotes.NewMockSource(), nil
	case config.QuoteSourceHTTP:
		return quotes.NewHTTPSource(cfg.QuoteAPIURL, cfg.QuoteAPIKey, quotes.DefaultBreakerSettings(), log), nil
	default:
		return nil, fmt.Errorf("unknown quote source %q", cfg.QuoteSource)
	}
}
