/**
 * Package di provides dependency injection type definitions.
 *
 * This package defines the Container type which holds all application dependencies.
 * The Container is the single source of truth for all service instances and is
 * passed to the server for access to services.
 */
package di

import (
	"errors"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/events"
	"github.com/aristath/folio/internal/metrics"
	"github.com/aristath/folio/internal/modules/hub"
	"github.com/aristath/folio/internal/modules/portfolio"
	"github.com/aristath/folio/internal/modules/rebalancing"
	"github.com/aristath/folio/internal/modules/trading"
)

/**
 * Container holds all dependencies for the application.
 *
 * Architecture:
 * - Databases: portfolio (positions, owners) and ledger (trade instructions)
 * - Hub: subscription registry, alert book, broadcaster and connection manager
 * - Repositories: data access layer
 * - Services: portfolio, trading (settlement) and rebalancing
 */
type Container struct {
	// Databases
	PortfolioDB *database.DB // Current portfolio state (positions, owners)
	LedgerDB    *database.DB // Trade instruction audit trail

	// Cross-cutting
	EventBus     *events.Bus
	EventManager *events.Manager
	Metrics      *metrics.Metrics

	// Collaborators
	QuoteSource domain.QuoteSource

	// Hub
	Registry      *hub.Registry
	Alerts        *hub.AlertBook
	Broadcaster   *hub.Broadcaster
	HubManager    *hub.Manager
	TradeNotifier *hub.TradeNotifier

	// Repositories
	PositionRepo *portfolio.PositionRepository
	TradeRepo    *trading.TradeRepository

	// Services
	PortfolioService   *portfolio.Service
	TradingService     *trading.Service
	PaperExecutor      *trading.PaperExecutor
	RebalancingService *rebalancing.Service
}

// Databases returns the open databases by name
func (c *Container) Databases() map[string]*database.DB {
	return map[string]*database.DB{
		database.NamePortfolio: c.PortfolioDB,
		database.NameLedger:    c.LedgerDB,
	}
}

// Close closes every open database
func (c *Container) Close() error {
	var errs []error
	for _, db := range []*database.DB{c.PortfolioDB, c.LedgerDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
