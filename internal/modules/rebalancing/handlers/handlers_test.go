package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/portfolio"
	"github.com/aristath/folio/internal/modules/rebalancing"
	"github.com/aristath/folio/internal/modules/trading"
	testingpkg "github.com/aristath/folio/internal/testing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const evenSplit = `{"target_allocations":{"btc":"0.5","ETH":0.5},"threshold":"0.05"}`

func setupRouter(t *testing.T, trades domain.TradeStore) http.Handler {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	positions := portfolio.NewPositionRepository(testingpkg.NewTestDB(t, "portfolio").Conn(), log)
	require.NoError(t, positions.ReplacePositions(context.Background(), "p1", testingpkg.NewCryptoPositions()))

	if trades == nil {
		trades = trading.NewTradeRepository(testingpkg.NewTestDB(t, "ledger").Conn(), log)
	}

	service := rebalancing.NewService(positions, trades, nil, nil, nil, nil, log)
	router := chi.NewRouter()
	NewHandler(service, log).RegisterRoutes(router)
	return router
}

func do(t *testing.T, h http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&decoded))
	return w.Code, decoded
}

func tradeStrings(t *testing.T, raw interface{}) []string {
	t.Helper()
	items, ok := raw.([]interface{})
	require.True(t, ok, "trades should be a list")
	out := make([]string, 0, len(items))
	for _, item := range items {
		m := item.(map[string]interface{})
		out = append(out, m["symbol"].(string)+" "+m["direction"].(string)+" "+m["notional"].(string))
	}
	return out
}

func TestHandleRebalance(t *testing.T) {
	router := setupRouter(t, nil)

	status, body := do(t, router, http.MethodPost, "/portfolios/p1/rebalance", evenSplit)
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, "p1", data["portfolio_id"])
	assert.NotEmpty(t, data["run_id"])
	assert.Equal(t, float64(2), data["count"])
	assert.Equal(t, true, data["persisted"])
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, tradeStrings(t, data["trades"]))

	records := data["records"].([]interface{})
	require.Len(t, records, 2)
	first := records[0].(map[string]interface{})
	assert.Equal(t, "pending", first["status"])
	assert.Equal(t, data["run_id"], first["run_id"])

	// history sees the persisted run
	status, body = do(t, router, http.MethodGet, "/portfolios/p1/trades", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 2)
}

func TestHandleRebalance_NoTrades(t *testing.T) {
	router := setupRouter(t, nil)

	status, body := do(t, router, http.MethodPost, "/portfolios/p1/rebalance",
		`{"target_allocations":{"BTC":"0.7143","ETH":"0.2857"},"threshold":"0.05"}`)
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(0), data["count"])
	assert.Empty(t, data["trades"])
	assert.Equal(t, true, data["persisted"])
}

func TestHandleRebalance_Errors(t *testing.T) {
	router := setupRouter(t, nil)

	testCases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed body", "/portfolios/p1/rebalance", `{"threshold":`, http.StatusBadRequest},
		{"threshold zero", "/portfolios/p1/rebalance", `{"target_allocations":{"BTC":"1"},"threshold":"0"}`, http.StatusBadRequest},
		{"threshold above one", "/portfolios/p1/rebalance", `{"target_allocations":{"BTC":"1"},"threshold":"1.2"}`, http.StatusBadRequest},
		{"negative target", "/portfolios/p1/rebalance", `{"target_allocations":{"BTC":"-0.1"},"threshold":"0.05"}`, http.StatusBadRequest},
		{"unknown portfolio", "/portfolios/nope/rebalance", evenSplit, http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := do(t, router, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, status)
			assert.Contains(t, body, "error")
		})
	}
}

type failingTrades struct{}

func (failingTrades) SaveInstructions(context.Context, string, string, []domain.TradeInstruction) ([]domain.TradeRecord, error) {
	return nil, errors.New("disk full")
}

func (failingTrades) ListByPortfolio(context.Context, string, int) ([]domain.TradeRecord, error) {
	return nil, errors.New("disk full")
}

func TestHandleRebalance_PersistenceFailureReturnsTrades(t *testing.T) {
	router := setupRouter(t, failingTrades{})

	status, body := do(t, router, http.MethodPost, "/portfolios/p1/rebalance", evenSplit)
	require.Equal(t, http.StatusInternalServerError, status)

	errBody := body["error"].(map[string]interface{})
	assert.Equal(t, "failed to persist trade instructions", errBody["message"])
	assert.NotEmpty(t, errBody["run_id"])
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, tradeStrings(t, errBody["trades"]))
	assert.NotContains(t, errBody["message"], "disk full")

	status, body = do(t, router, http.MethodGet, "/portfolios/p1/trades", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal error", body["error"].(map[string]interface{})["message"])
}

func TestHandlePreview(t *testing.T) {
	router := setupRouter(t, nil)

	status, body := do(t, router, http.MethodPost, "/portfolios/p1/rebalance/preview", evenSplit)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["count"])
	assert.Equal(t, []string{"BTC sell 15000", "ETH buy 15000"}, tradeStrings(t, data["trades"]))

	// nothing recorded
	status, body = do(t, router, http.MethodGet, "/portfolios/p1/trades", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body["data"])
}

func TestHandleHistory_Limit(t *testing.T) {
	router := setupRouter(t, nil)
	for i := 0; i < 2; i++ {
		status, _ := do(t, router, http.MethodPost, "/portfolios/p1/rebalance", evenSplit)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := do(t, router, http.MethodGet, "/portfolios/p1/trades?limit=3", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 3)
	assert.Equal(t, float64(3), body["metadata"].(map[string]interface{})["count"])

	for _, bad := range []string{"0", "-1", "ten"} {
		status, _ = do(t, router, http.MethodGet, "/portfolios/p1/trades?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, status, "limit=%s", bad)
	}
}
