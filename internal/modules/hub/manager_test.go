package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aristath/folio/internal/auth"
	"github.com/aristath/folio/internal/domain"
	testingpkg "github.com/aristath/folio/internal/testing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"nhooyr.io/websocket"
)

type hubFixture struct {
	registry    *Registry
	alerts      *AlertBook
	source      *fakeSource
	manager     *Manager
	broadcaster *Broadcaster
	server      *httptest.Server
}

func newHubFixture(t *testing.T, cfg ManagerConfig) *hubFixture {
	t.Helper()

	verifier := &testingpkg.MockTokenVerifier{}
	verifier.On("Verify", mock.Anything, "good").Return("user-1", nil)
	verifier.On("Verify", mock.Anything, mock.Anything).Return("", domain.ErrUnauthorized)

	f := &hubFixture{
		registry: NewRegistry(),
		alerts:   NewAlertBook(8),
		source:   newFakeSource(),
	}
	f.manager = NewManager(cfg, f.registry, f.alerts, verifier, auth.AnonymousVerifier{}, nil, nil, testLogger())
	f.broadcaster = newTestBroadcaster(f.registry, f.alerts, f.source)
	f.server = httptest.NewServer(f.manager)
	t.Cleanup(f.server.Close)
	return f
}

func (f *hubFixture) url(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	binary bool
}

func (f *hubFixture) dial(t *testing.T, query string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, f.url(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })

	return &testClient{t: t, conn: c, binary: strings.Contains(query, "encoding=msgpack")}
}

func (c *testClient) send(msg map[string]interface{}) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if c.binary {
		data, err := msgpack.Marshal(msg)
		require.NoError(c.t, err)
		require.NoError(c.t, c.conn.Write(ctx, websocket.MessageBinary, data))
		return
	}
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

func (c *testClient) sendRaw(text string) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, []byte(text)))
}

// next reads frames until one of type typ arrives
func (c *testClient) next(typ OutboundType) map[string]interface{} {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		frameType, data, err := c.conn.Read(ctx)
		require.NoError(c.t, err, "waiting for %s", typ)

		var msg map[string]interface{}
		if frameType == websocket.MessageBinary {
			require.NoError(c.t, msgpack.Unmarshal(data, &msg))
		} else {
			require.NoError(c.t, json.Unmarshal(data, &msg))
		}
		if msg["type"] == string(typ) {
			return msg
		}
	}
}

func TestManager_RejectsBadToken(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})

	for _, query := range []string{"token=bad", "", "userId=alice"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, resp, err := websocket.Dial(ctx, f.url(query), nil)
		cancel()

		require.Error(t, err, query)
		require.NotNil(t, resp, query)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, query)
	}
	assert.Equal(t, 0, f.manager.ConnectionCount())
	assert.Equal(t, 0, f.registry.Stats().Subscribers)
}

func TestManager_AnonymousUserID(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{AllowAnonymousUserID: true})

	c := f.dial(t, "userId=alice")
	connected := c.next(TypeConnected)
	assert.Equal(t, "alice", connected["userId"])
	assert.NotEmpty(t, connected["connectionId"])
}

func TestManager_PriceSubscriptionReceivesTicks(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})
	f.source.setPrice("BTC", "43000.10")

	c := f.dial(t, "token=good")
	connected := c.next(TypeConnected)
	assert.Equal(t, "user-1", connected["userId"])

	c.send(map[string]interface{}{"type": "subscribe_price", "symbols": []string{"btc"}})
	ack := c.next(TypeSubscribed)
	assert.Equal(t, []interface{}{"price:BTC"}, ack["channels"])

	report := f.broadcaster.Tick(context.Background())
	assert.Equal(t, 1, report.Delivered)

	update := c.next(TypePriceUpdate)
	assert.Equal(t, "price:BTC", update["channel"])
	assert.Equal(t, "BTC", update["symbol"])
	assert.Equal(t, 43000.1, update["price"])
}

func TestManager_GenericSubscribeAndUnsubscribe(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})
	f.source.setPrice("ETH", "2000")

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.send(map[string]interface{}{"type": "SUBSCRIBE", "channel": "price:eth"})
	assert.Equal(t, []interface{}{"price:ETH"}, c.next(TypeSubscribed)["channels"])

	c.send(map[string]interface{}{"type": "UNSUBSCRIBE", "channel": "price:ETH"})
	c.next(TypeUnsubscribed)

	report := f.broadcaster.Tick(context.Background())
	assert.Equal(t, 0, report.Delivered)
}

func TestManager_DisconnectCleansUp(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)
	c.send(map[string]interface{}{"type": "SUBSCRIBE_PRICE", "symbols": []string{"BTC", "ETH"}})
	c.next(TypeSubscribed)
	c.send(map[string]interface{}{"type": "SET_ALERT", "symbol": "BTC", "targetPrice": 1, "condition": "above"})
	c.next(TypeAlertSet)

	require.Equal(t, 2, f.registry.Stats().Subscriptions)
	require.NoError(t, c.conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return f.manager.ConnectionCount() == 0 && f.registry.Stats().Subscriptions == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, f.alerts.Count())

	f.source.setPrice("BTC", "1")
	f.source.setPrice("ETH", "1")
	var report TickReport
	assert.NotPanics(t, func() { report = f.broadcaster.Tick(context.Background()) })
	assert.Equal(t, 0, report.Delivered)
}

func TestManager_MalformedMessagesKeepConnectionOpen(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.sendRaw("definitely not json")
	assert.NotEmpty(t, c.next(TypeError)["message"])

	c.send(map[string]interface{}{"type": "DANCE"})
	assert.Contains(t, c.next(TypeError)["message"], "unknown message type")

	c.send(map[string]interface{}{"type": "SUBSCRIBE", "channel": ""})
	c.next(TypeError)

	c.send(map[string]interface{}{"type": "PING"})
	c.next(TypePong)
	assert.Equal(t, 1, f.manager.ConnectionCount())
}

func TestManager_InboundRateLimit(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{InboundRate: 0.001, InboundBurst: 2})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	for i := 0; i < 3; i++ {
		c.send(map[string]interface{}{"type": "PING"})
	}
	c.next(TypePong)
	c.next(TypePong)
	assert.Equal(t, "rate limit exceeded", c.next(TypeError)["message"])
}

func TestManager_ChannelLimit(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{MaxChannelsPerConn: 1})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.send(map[string]interface{}{"type": "SUBSCRIBE_PRICE", "symbol": "BTC"})
	c.next(TypeSubscribed)
	c.send(map[string]interface{}{"type": "SUBSCRIBE_PRICE", "symbol": "BTC"})
	c.next(TypeSubscribed)
	c.send(map[string]interface{}{"type": "SUBSCRIBE_PRICE", "symbol": "ETH"})
	assert.Contains(t, c.next(TypeError)["message"], "subscription limit")
}

func TestManager_MsgpackEncoding(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})

	c := f.dial(t, "token=good&encoding=msgpack")
	assert.Equal(t, "user-1", c.next(TypeConnected)["userId"])

	c.send(map[string]interface{}{"type": "PING"})
	c.next(TypePong)
}

type stubAccess struct {
	owned map[string]string
	err   error
}

func (s stubAccess) IsOwner(_ context.Context, portfolioID, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.owned[portfolioID] == userID, nil
}

func TestManager_TradeFeedAuthorization(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})
	f.manager.SetPortfolioAccess(stubAccess{owned: map[string]string{"shared": "user-1"}})
	notifier := NewTradeNotifier(f.registry, nil, testLogger())

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.send(map[string]interface{}{"type": "SUBSCRIBE_TRADES"})
	assert.Equal(t, []interface{}{"trades:user-1"}, c.next(TypeSubscribed)["channels"])

	c.send(map[string]interface{}{"type": "SUBSCRIBE_TRADES", "portfolioId": "shared"})
	assert.Equal(t, []interface{}{"trades:shared"}, c.next(TypeSubscribed)["channels"])

	c.send(map[string]interface{}{"type": "SUBSCRIBE", "channel": "trades:someone-else"})
	assert.Contains(t, c.next(TypeError)["message"], "not allowed")

	err := notifier.NotifyTrades(context.Background(), "shared", []domain.TradeInstruction{
		{Symbol: "BTC", Direction: domain.DirectionSell, Notional: decimal.RequireFromString("15000")},
	})
	require.NoError(t, err)

	update := c.next(TypeTradeUpdate)
	assert.Equal(t, "shared", update["portfolioId"])
	trades := update["trades"].([]interface{})
	require.Len(t, trades, 1)
	trade := trades[0].(map[string]interface{})
	assert.Equal(t, "BTC", trade["symbol"])
	assert.Equal(t, "sell", trade["direction"])
	assert.Equal(t, float64(15000), trade["notional"])
}

func TestManager_TradeFeedAccessErrorIsRejected(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})
	f.manager.SetPortfolioAccess(stubAccess{err: errors.New("db down")})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.send(map[string]interface{}{"type": "SUBSCRIBE_TRADES", "portfolioId": "p9"})
	assert.Contains(t, c.next(TypeError)["message"], "portfolio access")
	assert.Equal(t, 0, f.registry.Stats().Subscriptions)
}

func TestManager_AlertDelivery(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})
	f.source.setPrice("ETH", "2500")

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	c.send(map[string]interface{}{"type": "SET_ALERT", "symbol": "eth", "targetPrice": "2400", "condition": "above"})
	set := c.next(TypeAlertSet)
	assert.Equal(t, "ETH", set["symbol"])

	f.broadcaster.Tick(context.Background())

	fired := c.next(TypeAlertTriggered)
	assert.Equal(t, set["alertId"], fired["alertId"])
	assert.Equal(t, float64(2500), fired["price"])
}

func TestManager_ShutdownClosesWithGoingAway(t *testing.T) {
	f := newHubFixture(t, ManagerConfig{})

	c := f.dial(t, "token=good")
	c.next(TypeConnected)

	closed := make(chan websocket.StatusCode, 1)
	go func() {
		for {
			if _, _, err := c.conn.Read(context.Background()); err != nil {
				closed <- websocket.CloseStatus(err)
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	select {
	case code := <-closed:
		assert.Equal(t, websocket.StatusGoingAway, code)
	case <-time.After(5 * time.Second):
		t.Fatal("client never saw the close frame")
	}
	assert.Equal(t, 0, f.manager.ConnectionCount())

	dctx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	_, resp, err := websocket.Dial(dctx, f.url("token=good"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
