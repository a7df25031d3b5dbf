package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventData_Types(t *testing.T) {
	testCases := []struct {
		data     EventData
		expected EventType
	}{
		{&PriceUpdatedData{}, PriceUpdated},
		{&ConnectionOpenedData{}, ConnectionOpened},
		{&ConnectionClosedData{}, ConnectionClosed},
		{&AlertTriggeredData{}, AlertTriggered},
		{&RebalanceCompletedData{}, RebalanceCompleted},
		{&TradeStatusChangedData{}, TradeStatusChanged},
		{&ErrorEventData{}, ErrorOccurred},
	}

	for _, tc := range testCases {
		t.Run(string(tc.expected), func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.data.EventType())
			assert.Contains(t, AllTypes(), tc.expected)
		})
	}
}

func TestPriceUpdatedData_JSONFieldNames(t *testing.T) {
	data := PriceUpdatedData{
		Symbol:        "BTC",
		Price:         "43000.5",
		ChangePercent: "-1.25",
		Volume:        1200,
		Delivered:     3,
	}

	jsonData, err := json.Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"symbol":"BTC","price":"43000.5","change_percent":"-1.25","volume":1200,"delivered":3}`,
		string(jsonData))
}

func TestConvertEventDataToMap(t *testing.T) {
	m := convertEventDataToMap(&RebalanceCompletedData{
		PortfolioID: "p1",
		RunID:       "r1",
		Trades:      2,
		Persisted:   true,
	})

	require.NotNil(t, m)
	assert.Equal(t, "p1", m["portfolio_id"])
	assert.Equal(t, float64(2), m["trades"])
	assert.Equal(t, true, m["persisted"])
	assert.Equal(t, false, m["auto_trade"])

	assert.Nil(t, convertEventDataToMap(nil))
}
