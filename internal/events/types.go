// Package events provides the in-process event bus and typed event payloads.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Hub events
	PriceUpdated     EventType = "PRICE_UPDATED"
	ConnectionOpened EventType = "CONNECTION_OPENED"
	ConnectionClosed EventType = "CONNECTION_CLOSED"
	AlertTriggered   EventType = "ALERT_TRIGGERED"

	// Rebalancing events
	RebalanceCompleted EventType = "REBALANCE_COMPLETED"
	TradeStatusChanged EventType = "TRADE_STATUS_CHANGED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type the service emits
func AllTypes() []EventType {
	return []EventType{
		PriceUpdated,
		ConnectionOpened,
		ConnectionClosed,
		AlertTriggered,
		RebalanceCompleted,
		TradeStatusChanged,
		ErrorOccurred,
	}
}

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}
