package sx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionalAddValidation(t *testing.T) {
	cb := NewConditionalBook()

	_, err := cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Buy, Type: Limit, LimitPrice: 100, Shares: 0})
	assert.Equal(t, ErrInvalidShares, err)

	_, err = cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Buy, Type: Limit, Shares: 10})
	assert.Equal(t, ErrInvalidPrice, err)

	_, err = cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Sell, Type: Stop, Shares: 10})
	assert.Equal(t, ErrInvalidPrice, err)

	_, err = cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Sell, Type: StopLimit, StopPrice: 95, Shares: 10})
	assert.Equal(t, ErrInvalidPrice, err)

	id, err := cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Sell, Type: StopLimit, StopPrice: 95, LimitPrice: 94, Shares: 10})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestConditionalTriggerRules(t *testing.T) {
	tests := []struct {
		name     string
		order    ConditionalOrder
		price    float64
		triggers bool
	}{
		{"buy limit at or below limit", ConditionalOrder{Side: Buy, Type: Limit, LimitPrice: 100}, 100, true},
		{"buy limit above limit", ConditionalOrder{Side: Buy, Type: Limit, LimitPrice: 100}, 101, false},
		{"sell limit at or above limit", ConditionalOrder{Side: Sell, Type: Limit, LimitPrice: 110}, 110, true},
		{"sell limit below limit", ConditionalOrder{Side: Sell, Type: Limit, LimitPrice: 110}, 109, false},
		{"buy stop at or above stop", ConditionalOrder{Side: Buy, Type: Stop, StopPrice: 105}, 105, true},
		{"buy stop below stop", ConditionalOrder{Side: Buy, Type: Stop, StopPrice: 105}, 104, false},
		{"sell stop at or below stop", ConditionalOrder{Side: Sell, Type: Stop, StopPrice: 95}, 95, true},
		{"sell stop above stop", ConditionalOrder{Side: Sell, Type: Stop, StopPrice: 95}, 96, false},
		{"sell stop-limit uses stop condition", ConditionalOrder{Side: Sell, Type: StopLimit, StopPrice: 95, LimitPrice: 94}, 94, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.triggers, tt.order.triggered(tt.price))
		})
	}
}

func TestConditionalEvaluate(t *testing.T) {
	cb := NewConditionalBook()

	sellStop, err := cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Sell, Type: Stop, StopPrice: 95, Shares: 10})
	require.NoError(t, err)
	_, err = cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Buy, Type: Stop, StopPrice: 120, Shares: 10})
	require.NoError(t, err)
	_, err = cb.Add(&ConditionalOrder{Symbol: "MSFT", Side: Buy, Type: Limit, LimitPrice: 300, Shares: 5})
	require.NoError(t, err)

	// MSFT has no price this cycle, its order must stay pending.
	fired := cb.Evaluate(map[string]Quote{"AAPL": {Price: 94}})
	require.Len(t, fired, 1)
	assert.Equal(t, sellStop, fired[0].Order.ID)
	assert.Equal(t, 94.0, fired[0].TriggerPrice)

	// Fired orders are gone; the rest remain.
	assert.Len(t, cb.Pending(), 2)
	assert.Nil(t, cb.Get(sellStop))
}

func TestConditionalCancel(t *testing.T) {
	cb := NewConditionalBook()

	id, err := cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Buy, Type: Stop, StopPrice: 120, Shares: 10})
	require.NoError(t, err)

	assert.True(t, cb.Cancel(id))
	assert.False(t, cb.Cancel(id))
	assert.Empty(t, cb.Pending())
}

func TestConditionalExpiry(t *testing.T) {
	cb := NewConditionalBook()

	ttl := 2
	id, err := cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Buy, Type: Stop, StopPrice: 120, Shares: 10, RemainingCycles: &ttl})
	require.NoError(t, err)
	_, err = cb.Add(&ConditionalOrder{Symbol: "AAPL", Side: Sell, Type: Stop, StopPrice: 90, Shares: 10})
	require.NoError(t, err)

	assert.Empty(t, cb.TickCycles())

	expired := cb.TickCycles()
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)

	// The order without a cycle counter never expires.
	assert.Len(t, cb.Pending(), 1)
}
