package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/aristath/folio/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrMalformedMessage marks an inbound frame that could not be decoded
	ErrMalformedMessage = errors.New("malformed message")
	// ErrUnknownMessageType marks a well-formed frame with an unrecognized type
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Inbound is the closed set of control messages a client may send
type Inbound interface {
	// Kind returns the canonical message type
	Kind() string
	inbound()
}

// SubscribeMsg subscribes to an arbitrary channel
type SubscribeMsg struct{ Channel string }

// UnsubscribeMsg leaves an arbitrary channel
type UnsubscribeMsg struct{ Channel string }

// SubscribePriceMsg subscribes to price:SYM for each symbol
type SubscribePriceMsg struct{ Symbols []string }

// UnsubscribeMarketMsg leaves price:SYM for each symbol
type UnsubscribeMarketMsg struct{ Symbols []string }

// SubscribeTradesMsg subscribes to a portfolio's trade feed.
// An empty PortfolioID means the caller's own portfolio.
type SubscribeTradesMsg struct{ PortfolioID string }

// SetAlertMsg registers a one-shot price alert
type SetAlertMsg struct {
	Symbol      string
	TargetPrice decimal.Decimal
	Condition   AlertCondition
}

// PingMsg asks for a PONG
type PingMsg struct{}

func (SubscribeMsg) Kind() string         { return "SUBSCRIBE" }
func (UnsubscribeMsg) Kind() string       { return "UNSUBSCRIBE" }
func (SubscribePriceMsg) Kind() string    { return "SUBSCRIBE_PRICE" }
func (UnsubscribeMarketMsg) Kind() string { return "UNSUBSCRIBE_MARKET" }
func (SubscribeTradesMsg) Kind() string   { return "SUBSCRIBE_TRADES" }
func (SetAlertMsg) Kind() string          { return "SET_ALERT" }
func (PingMsg) Kind() string              { return "PING" }

func (SubscribeMsg) inbound()         {}
func (UnsubscribeMsg) inbound()       {}
func (SubscribePriceMsg) inbound()    {}
func (UnsubscribeMarketMsg) inbound() {}
func (SubscribeTradesMsg) inbound()   {}
func (SetAlertMsg) inbound()          {}
func (PingMsg) inbound()              {}

// envelope is the wire shape shared by every inbound type. Unknown fields are ignored.
type envelope struct {
	Type        string      `json:"type" msgpack:"type"`
	Channel     string      `json:"channel" msgpack:"channel"`
	Payload     interface{} `json:"payload" msgpack:"payload"`
	Symbols     []string    `json:"symbols" msgpack:"symbols"`
	Symbol      string      `json:"symbol" msgpack:"symbol"`
	PortfolioID string      `json:"portfolioId" msgpack:"portfolioId"`
	TargetPrice interface{} `json:"targetPrice" msgpack:"targetPrice"`
	Condition   string      `json:"condition" msgpack:"condition"`
}

// ParseInbound decodes one frame. Binary frames are msgpack, text frames JSON.
func ParseInbound(data []byte, binary bool) (Inbound, error) {
	var env envelope
	if binary {
		if err := msgpack.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	kind := strings.ToUpper(strings.TrimSpace(env.Type))
	if kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	switch kind {
	case "SUBSCRIBE", "UNSUBSCRIBE":
		channel := env.Channel
		if channel == "" {
			if s, ok := env.Payload.(string); ok {
				channel = s
			}
		}
		if strings.TrimSpace(channel) == "" {
			return nil, fmt.Errorf("%w: %s requires a channel", ErrMalformedMessage, strings.ToLower(kind))
		}
		if kind == "SUBSCRIBE" {
			return SubscribeMsg{Channel: channel}, nil
		}
		return UnsubscribeMsg{Channel: channel}, nil

	case "SUBSCRIBE_PRICE", "UNSUBSCRIBE_MARKET":
		symbols := collectSymbols(env)
		if len(symbols) == 0 {
			return nil, fmt.Errorf("%w: %s requires symbols", ErrMalformedMessage, kind)
		}
		if kind == "SUBSCRIBE_PRICE" {
			return SubscribePriceMsg{Symbols: symbols}, nil
		}
		return UnsubscribeMarketMsg{Symbols: symbols}, nil

	case "SUBSCRIBE_TRADES":
		return SubscribeTradesMsg{PortfolioID: strings.TrimSpace(env.PortfolioID)}, nil

	case "SET_ALERT":
		symbol := domain.NormalizeSymbol(env.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("%w: SET_ALERT requires a symbol", ErrMalformedMessage)
		}
		target, err := toDecimal(env.TargetPrice)
		if err != nil || !target.IsPositive() {
			return nil, fmt.Errorf("%w: SET_ALERT requires a positive targetPrice", ErrMalformedMessage)
		}
		cond, err := ParseAlertCondition(env.Condition)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return SetAlertMsg{Symbol: symbol, TargetPrice: target, Condition: cond}, nil

	case "PING":
		return PingMsg{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

// collectSymbols merges symbols and symbol, normalized and deduplicated in order
func collectSymbols(env envelope) []string {
	raw := append([]string{}, env.Symbols...)
	if env.Symbol != "" {
		raw = append(raw, env.Symbol)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = domain.NormalizeSymbol(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// toDecimal accepts the numeric shapes JSON and msgpack decoders produce
func toDecimal(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, errors.New("missing number")
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		return decimal.NewFromString(strings.TrimSpace(n))
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int8:
		return decimal.NewFromInt(int64(n)), nil
	case int16:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case uint8:
		return decimal.NewFromInt(int64(n)), nil
	case uint16:
		return decimal.NewFromInt(int64(n)), nil
	case uint32:
		return decimal.NewFromInt(int64(n)), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported number type %T", v)
}

// OutboundType discriminates server-to-client messages
type OutboundType string

const (
	TypePriceUpdate    OutboundType = "PRICE_UPDATE"
	TypeTradeUpdate    OutboundType = "TRADE_UPDATE"
	TypeAlertTriggered OutboundType = "ALERT_TRIGGERED"
	TypeAlertSet       OutboundType = "ALERT_SET"
	TypeSubscribed     OutboundType = "SUBSCRIBED"
	TypeUnsubscribed   OutboundType = "UNSUBSCRIBED"
	TypeConnected      OutboundType = "CONNECTED"
	TypeError          OutboundType = "ERROR"
	TypePong           OutboundType = "PONG"
)

// TradeView is one trade instruction as sent to clients
type TradeView struct {
	Symbol    string      `json:"symbol" msgpack:"symbol"`
	Direction string      `json:"direction" msgpack:"direction"`
	Notional  json.Number `json:"notional" msgpack:"notional"`
}

// Outbound is the server-to-client envelope. Decimal values travel as
// json.Number so JSON clients see numbers with exact decimal text.
type Outbound struct {
	Type          OutboundType `json:"type" msgpack:"type"`
	Channel       string       `json:"channel,omitempty" msgpack:"channel,omitempty"`
	Channels      []string     `json:"channels,omitempty" msgpack:"channels,omitempty"`
	Symbol        string       `json:"symbol,omitempty" msgpack:"symbol,omitempty"`
	Price         json.Number  `json:"price,omitempty" msgpack:"price,omitempty"`
	ChangePercent json.Number  `json:"changePercent,omitempty" msgpack:"changePercent,omitempty"`
	Volume        int64        `json:"volume,omitempty" msgpack:"volume,omitempty"`
	ConnectionID  string       `json:"connectionId,omitempty" msgpack:"connectionId,omitempty"`
	UserID        string       `json:"userId,omitempty" msgpack:"userId,omitempty"`
	PortfolioID   string       `json:"portfolioId,omitempty" msgpack:"portfolioId,omitempty"`
	AlertID       string       `json:"alertId,omitempty" msgpack:"alertId,omitempty"`
	Condition     string       `json:"condition,omitempty" msgpack:"condition,omitempty"`
	TargetPrice   json.Number  `json:"targetPrice,omitempty" msgpack:"targetPrice,omitempty"`
	Trades        []TradeView  `json:"trades,omitempty" msgpack:"trades,omitempty"`
	Message       string       `json:"message,omitempty" msgpack:"message,omitempty"`
	Timestamp     int64        `json:"timestamp" msgpack:"timestamp"`
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// PriceUpdate builds the per-tick update for one channel
func PriceUpdate(channel Channel, q domain.Quote) Outbound {
	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Outbound{
		Type:          TypePriceUpdate,
		Channel:       string(channel),
		Symbol:        q.Symbol,
		Price:         number(q.Price),
		ChangePercent: number(q.ChangePercent),
		Volume:        q.Volume,
		Timestamp:     ts.UnixMilli(),
	}
}

// TradeUpdate announces the instructions of a rebalance run
func TradeUpdate(portfolioID string, instructions []domain.TradeInstruction) Outbound {
	trades := make([]TradeView, 0, len(instructions))
	for _, in := range instructions {
		trades = append(trades, TradeView{
			Symbol:    in.Symbol,
			Direction: string(in.Direction),
			Notional:  number(in.Notional),
		})
	}
	return Outbound{
		Type:        TypeTradeUpdate,
		Channel:     string(TradesChannel(portfolioID)),
		PortfolioID: portfolioID,
		Trades:      trades,
		Timestamp:   nowMillis(),
	}
}

// AlertTriggeredMessage tells the owner an alert fired at price
func AlertTriggeredMessage(alert *Alert, price decimal.Decimal) Outbound {
	return Outbound{
		Type:        TypeAlertTriggered,
		Symbol:      alert.Symbol,
		AlertID:     alert.ID,
		Condition:   string(alert.Condition),
		TargetPrice: number(alert.Target),
		Price:       number(price),
		Timestamp:   nowMillis(),
	}
}

// AlertSetMessage acknowledges a SET_ALERT
func AlertSetMessage(alert *Alert) Outbound {
	return Outbound{
		Type:        TypeAlertSet,
		Symbol:      alert.Symbol,
		AlertID:     alert.ID,
		Condition:   string(alert.Condition),
		TargetPrice: number(alert.Target),
		Timestamp:   nowMillis(),
	}
}

// SubscribedMessage acknowledges subscriptions
func SubscribedMessage(channels []Channel) Outbound {
	return Outbound{Type: TypeSubscribed, Channels: channelNames(channels), Timestamp: nowMillis()}
}

// UnsubscribedMessage acknowledges unsubscriptions
func UnsubscribedMessage(channels []Channel) Outbound {
	return Outbound{Type: TypeUnsubscribed, Channels: channelNames(channels), Timestamp: nowMillis()}
}

// ConnectedMessage greets a newly admitted connection
func ConnectedMessage(connectionID, userID string) Outbound {
	return Outbound{Type: TypeConnected, ConnectionID: connectionID, UserID: userID, Timestamp: nowMillis()}
}

// ErrorMessage reports a rejected control message
func ErrorMessage(text string) Outbound {
	return Outbound{Type: TypeError, Message: text, Timestamp: nowMillis()}
}

// PongMessage answers a PING
func PongMessage() Outbound {
	return Outbound{Type: TypePong, Timestamp: nowMillis()}
}

func channelNames(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, ch := range channels {
		out[i] = string(ch)
	}
	return out
}
