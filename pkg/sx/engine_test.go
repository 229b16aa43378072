package sx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Symbols = []string{"AAPL", "NVDA"}
	return cfg
}

func TestAdvanceCycleCounts(t *testing.T) {
	e := NewEngine(testEngineConfig())

	prices := map[string]Quote{"AAPL": {Price: 150}, "NVDA": {Price: 500}}
	report := e.AdvanceCycle(CycleInput{Prices: prices})
	assert.Equal(t, uint64(1), report.Cycle)
	assert.Equal(t, uint64(1), e.Cycle())

	report = e.AdvanceCycle(CycleInput{Prices: prices})
	assert.Equal(t, uint64(2), report.Cycle)
}

func TestAdvanceCycleExpiresAndTriggers(t *testing.T) {
	e := NewEngine(testEngineConfig())

	ttl := 1
	require.NoError(t, e.Books().AddOrder(&BookEntry{
		Symbol: "AAPL", Side: Buy, Price: 140, Shares: 10, RemainingCycles: &ttl,
	}))
	_, err := e.Conditionals().Add(&ConditionalOrder{
		Symbol: "NVDA", Side: Sell, Type: Stop, StopPrice: 480, Shares: 5,
	})
	require.NoError(t, err)

	report := e.AdvanceCycle(CycleInput{Prices: map[string]Quote{
		"AAPL": {Price: 150},
		"NVDA": {Price: 470},
	}})

	require.Len(t, report.ExpiredOrders, 1)
	require.Len(t, report.Triggered, 1)
	assert.Equal(t, "NVDA", report.Triggered[0].Order.Symbol)
	assert.Equal(t, 470.0, report.Triggered[0].TriggerPrice)

	// Both outcomes land in the event log with the cycle stamped.
	events := e.Events()
	require.Len(t, events, 2)
	assert.Equal(t, EventOrderExpired, events[0].Type)
	assert.Equal(t, EventOrderTriggered, events[1].Type)
	assert.Equal(t, uint64(1), events[0].Cycle)
}

func TestAdvanceCycleInterestCadence(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Credit.InterestChargeCycles = 2
	e := NewEngine(cfg)

	e.Credit().TakeLoan(10000, 0.08, 50, 0)
	prices := map[string]Quote{"AAPL": {Price: 150}}

	report := e.AdvanceCycle(CycleInput{Prices: prices})
	assert.Zero(t, report.InterestCharged)

	report = e.AdvanceCycle(CycleInput{Prices: prices})
	assert.InDelta(t, 10000*0.08/2, report.InterestCharged, 1e-9)
}

func TestAdvanceCycleSurfacesMaturedLoans(t *testing.T) {
	e := NewEngine(testEngineConfig())
	loan := e.Credit().TakeLoan(5000, 0.08, 1, 0)

	report := e.AdvanceCycle(CycleInput{Prices: map[string]Quote{"AAPL": {Price: 150}}})

	require.Len(t, report.MaturedLoans, 1)
	assert.Equal(t, loan.ID, report.MaturedLoans[0].ID)

	// Shortfall settlement logs the overdue event.
	e.ProcessLoanMaturity(loan.ID, 0, false)
	events := e.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventLoanOverdue, events[len(events)-1].Type)
}

func TestAdvanceCycleMarginSequence(t *testing.T) {
	e := NewEngine(testEngineConfig())
	_, err := e.Margin().OpenShortPosition("NVDA", 10, 100, 400)
	require.NoError(t, err)

	underwater := CycleInput{
		Prices: map[string]Quote{"NVDA": {Price: 130}},
		Floats: map[string]float64{"NVDA": 1e6},
	}

	report := e.AdvanceCycle(underwater)
	require.Len(t, report.MarginCallsIssued, 1)
	assert.InDelta(t, 10*130*0.0005, report.BorrowFees["NVDA"], 1e-9)
	assert.Empty(t, report.ForcedCovers)

	// Grace period runs out, then the position is marked for forced cover.
	e.AdvanceCycle(underwater)
	e.AdvanceCycle(underwater)
	report = e.AdvanceCycle(underwater)
	require.Len(t, report.ForcedCovers, 1)
	assert.Equal(t, "NVDA", report.ForcedCovers[0])

	events := e.EventsSince(report.Cycle)
	var sawForcedCover bool
	for _, ev := range events {
		if ev.Type == EventForcedCover {
			sawForcedCover = true
		}
	}
	assert.True(t, sawForcedCover)
}

func TestEngineStockSplit(t *testing.T) {
	e := NewEngine(testEngineConfig())
	require.NoError(t, e.Books().AddOrder(&BookEntry{Symbol: "AAPL", Side: Buy, Price: 100, Shares: 10}))
	_, err := e.Margin().OpenShortPosition("AAPL", 10, 100, 1500)
	require.NoError(t, err)

	require.NoError(t, e.ApplyStockSplit("AAPL", 2))

	bid := e.Books().BestBid("AAPL")
	assert.Equal(t, 50.0, bid.Price)
	assert.Equal(t, 20.0, bid.Shares)
	assert.Equal(t, 20.0, e.Margin().Position("AAPL").Shares)

	assert.Equal(t, ErrUnknownSymbol, e.ApplyStockSplit("TSLA", 2))
}

func TestRiskProfileFromRecordedTrades(t *testing.T) {
	e := NewEngine(testEngineConfig())

	_, ok := e.RiskProfile()
	assert.False(t, ok)

	pl := 100.0
	e.RecordTrade(TradeRecord{Symbol: "AAPL", Side: Sell, Shares: 10, Price: 100, PositionSizePercent: 10, RealizedPL: &pl})
	e.RecordTrade(TradeRecord{Symbol: "AAPL", Side: Buy, Shares: 10, Price: 95, PositionSizePercent: 10})

	analysis, ok := e.RiskProfile()
	require.True(t, ok)
	assert.Equal(t, 2, analysis.TotalTrades)
}

func TestCreditLineMemoization(t *testing.T) {
	e := NewEngine(testEngineConfig())

	holdings := map[string]Holding{"AAPL": {Shares: 100}}
	prices := map[string]Quote{"AAPL": {Price: 200, MarketCapBillions: 3000}}

	first := e.CreditLine(0, holdings, prices, 0)
	// Same cycle, no credit mutation: identical result from the memo even
	// with different holdings passed.
	second := e.CreditLine(0, nil, nil, 0)
	assert.Equal(t, first, second)

	// A credit mutation invalidates the memo.
	e.Credit().TakeLoan(5000, 0.08, 20, 0)
	third := e.CreditLine(0, holdings, prices, 0)
	assert.Equal(t, 5000.0, third.CurrentDebt)
	assert.Less(t, third.AvailableCredit, first.AvailableCredit)
}

func TestCreditLineUsesBaseCollateral(t *testing.T) {
	cfg := testEngineConfig()
	cfg.InitialCapital = 100000
	cfg.BaseCollateralPercent = 0.10
	e := NewEngine(cfg)

	breakdown := e.ValueCollateral(0, nil, nil)
	assert.Equal(t, 10000.0, breakdown.BaseCollateral)
	assert.Equal(t, 10000.0, breakdown.Total)

	line := e.CreditLine(0, nil, nil, 0)
	assert.Equal(t, 10000.0, line.RecommendedCreditLine)
	assert.Equal(t, 20000.0, line.MaxCreditLine)
}
