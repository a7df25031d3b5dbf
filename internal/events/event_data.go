package events

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// PriceUpdatedData is emitted once per successfully broadcast channel per tick
type PriceUpdatedData struct {
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	ChangePercent string `json:"change_percent"`
	Volume        int64  `json:"volume"`
	Delivered     int    `json:"delivered"`
}

// EventType returns the event type for PriceUpdatedData
func (d *PriceUpdatedData) EventType() EventType {
	return PriceUpdated
}

// ConnectionOpenedData contains data for ConnectionOpened events
type ConnectionOpenedData struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// EventType returns the event type for ConnectionOpenedData
func (d *ConnectionOpenedData) EventType() EventType {
	return ConnectionOpened
}

// ConnectionClosedData contains data for ConnectionClosed events
type ConnectionClosedData struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	Channels     int    `json:"channels"`
	Reason       string `json:"reason,omitempty"`
}

// EventType returns the event type for ConnectionClosedData
func (d *ConnectionClosedData) EventType() EventType {
	return ConnectionClosed
}

// AlertTriggeredData contains data for AlertTriggered events
type AlertTriggeredData struct {
	AlertID      string `json:"alert_id"`
	ConnectionID string `json:"connection_id"`
	Symbol       string `json:"symbol"`
	Condition    string `json:"condition"`
	TargetPrice  string `json:"target_price"`
	Price        string `json:"price"`
}

// EventType returns the event type for AlertTriggeredData
func (d *AlertTriggeredData) EventType() EventType {
	return AlertTriggered
}

// RebalanceCompletedData contains data for RebalanceCompleted events
type RebalanceCompletedData struct {
	PortfolioID string `json:"portfolio_id"`
	RunID       string `json:"run_id"`
	Trades      int    `json:"trades"`
	AutoTrade   bool   `json:"auto_trade"`
	Persisted   bool   `json:"persisted"`
}

// EventType returns the event type for RebalanceCompletedData
func (d *RebalanceCompletedData) EventType() EventType {
	return RebalanceCompleted
}

// TradeStatusChangedData contains data for TradeStatusChanged events
type TradeStatusChangedData struct {
	TradeID     string `json:"trade_id"`
	PortfolioID string `json:"portfolio_id"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
}

// EventType returns the event type for TradeStatusChangedData
func (d *TradeStatusChangedData) EventType() EventType {
	return TradeStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
