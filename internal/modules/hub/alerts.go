package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrTooManyAlerts is returned when a connection exceeds its alert quota
var ErrTooManyAlerts = errors.New("too many alerts for connection")

// AlertCondition is the direction of a price alert
type AlertCondition string

const (
	AlertAbove AlertCondition = "above"
	AlertBelow AlertCondition = "below"
)

// ParseAlertCondition accepts above/below in any case
func ParseAlertCondition(raw string) (AlertCondition, error) {
	switch AlertCondition(strings.ToLower(strings.TrimSpace(raw))) {
	case AlertAbove:
		return AlertAbove, nil
	case AlertBelow:
		return AlertBelow, nil
	}
	return "", fmt.Errorf("unknown alert condition %q", raw)
}

// Alert is a one-shot price trigger owned by a connection
type Alert struct {
	CreatedAt time.Time
	Owner     Subscriber
	Target    decimal.Decimal
	ID        string
	Symbol    string
	Condition AlertCondition
}

// Matches reports whether price satisfies the alert (inclusive)
func (a *Alert) Matches(price decimal.Decimal) bool {
	switch a.Condition {
	case AlertAbove:
		return price.GreaterThanOrEqual(a.Target)
	case AlertBelow:
		return price.LessThanOrEqual(a.Target)
	}
	return false
}

// AlertBook holds active alerts. Alerts die with their connection.
type AlertBook struct {
	mu       sync.Mutex
	bySymbol map[string]map[string]*Alert
	byOwner  map[Subscriber]map[string]*Alert
	maxPer   int
}

// NewAlertBook creates a book allowing maxPerConnection alerts per owner
func NewAlertBook(maxPerConnection int) *AlertBook {
	return &AlertBook{
		bySymbol: make(map[string]map[string]*Alert),
		byOwner:  make(map[Subscriber]map[string]*Alert),
		maxPer:   maxPerConnection,
	}
}

// Add registers an alert for owner
func (b *AlertBook) Add(owner Subscriber, symbol string, cond AlertCondition, target decimal.Decimal) (*Alert, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" || !target.IsPositive() {
		return nil, fmt.Errorf("%w: alert needs a symbol and a positive target", domain.ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if owner.Closed() {
		return nil, ErrConnClosed
	}
	if b.maxPer > 0 && len(b.byOwner[owner]) >= b.maxPer {
		return nil, ErrTooManyAlerts
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		Owner:     owner,
		Symbol:    symbol,
		Condition: cond,
		Target:    target,
		CreatedAt: time.Now(),
	}

	if b.bySymbol[symbol] == nil {
		b.bySymbol[symbol] = make(map[string]*Alert)
	}
	b.bySymbol[symbol][alert.ID] = alert
	if b.byOwner[owner] == nil {
		b.byOwner[owner] = make(map[string]*Alert)
	}
	b.byOwner[owner][alert.ID] = alert

	return alert, nil
}

// Evaluate removes and returns the alerts on symbol that price triggers
func (b *AlertBook) Evaluate(symbol string, price decimal.Decimal) []*Alert {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fired []*Alert
	for id, alert := range b.bySymbol[symbol] {
		if !alert.Matches(price) {
			continue
		}
		fired = append(fired, alert)
		b.removeLocked(id, alert)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].CreatedAt.Before(fired[j].CreatedAt) })
	return fired
}

// RemoveConnection drops every alert owned by owner and returns the count
func (b *AlertBook) RemoveConnection(owner Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	owned := b.byOwner[owner]
	n := len(owned)
	for id, alert := range owned {
		b.removeLocked(id, alert)
	}
	return n
}

func (b *AlertBook) removeLocked(id string, alert *Alert) {
	if set := b.bySymbol[alert.Symbol]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(b.bySymbol, alert.Symbol)
		}
	}
	if set := b.byOwner[alert.Owner]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(b.byOwner, alert.Owner)
		}
	}
}

// Symbols returns the symbols with at least one active alert, sorted
func (b *AlertBook) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.bySymbol))
	for symbol := range b.bySymbol {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of active alerts
func (b *AlertBook) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, set := range b.byOwner {
		n += len(set)
	}
	return n
}
