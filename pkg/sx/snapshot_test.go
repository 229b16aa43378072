package sx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPopulatedEngine runs a few cycles so every sub-component carries
// state worth snapshotting.
func buildPopulatedEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(testEngineConfig())

	ttl := 10
	require.NoError(t, e.Books().AddOrder(&BookEntry{Symbol: "AAPL", Side: Buy, Price: 148, Shares: 10, RemainingCycles: &ttl}))
	require.NoError(t, e.Books().AddOrder(&BookEntry{Symbol: "AAPL", Side: Sell, Price: 152, Shares: 20}))
	_, err := e.Conditionals().Add(&ConditionalOrder{Symbol: "NVDA", Side: Buy, Type: Stop, StopPrice: 600, Shares: 5})
	require.NoError(t, err)

	e.Credit().TakeLoan(10000, 0.08, 30, 0)
	overdue := e.Credit().TakeLoan(2000, 0.09, 1, 0)

	_, err = e.Margin().OpenShortPosition("NVDA", 10, 500, 2000)
	require.NoError(t, err)

	pl := 150.0
	e.RecordTrade(TradeRecord{Symbol: "AAPL", Side: Sell, Shares: 5, Price: 150, PositionSizePercent: 8, RealizedPL: &pl})

	prices := map[string]Quote{"AAPL": {Price: 150}, "NVDA": {Price: 550}}
	e.AdvanceCycle(CycleInput{Prices: prices, Floats: map[string]float64{"NVDA": 1e6}})
	e.ProcessLoanMaturity(overdue.ID, 0, false)
	e.AdvanceCycle(CycleInput{Prices: prices, Floats: map[string]float64{"NVDA": 1e6}})

	return e
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := buildPopulatedEngine(t)
	state := e.State()

	restored := NewEngine(testEngineConfig())
	restored.RestoreState(state)

	assert.Equal(t, e.Cycle(), restored.Cycle())
	assert.Equal(t, e.Books().State(), restored.Books().State())
	assert.Equal(t, e.Conditionals().State(), restored.Conditionals().State())
	assert.Equal(t, e.Credit().State(), restored.Credit().State())
	assert.Equal(t, e.Margin().State(), restored.Margin().State())
	assert.Equal(t, e.Events(), restored.Events())
	assert.Equal(t, e.Trades(), restored.Trades())
}

func TestSnapshotSurvivesJSON(t *testing.T) {
	e := buildPopulatedEngine(t)
	state := e.State()

	payload, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded EngineState
	require.NoError(t, json.Unmarshal(payload, &decoded))

	restored := NewEngine(testEngineConfig())
	restored.RestoreState(decoded)

	assert.Equal(t, e.Cycle(), restored.Cycle())
	assert.Equal(t, e.Credit().CreditScore(), restored.Credit().CreditScore())
	assert.Equal(t, e.Credit().TotalDebt(), restored.Credit().TotalDebt())
	assert.Equal(t, len(e.Events()), len(restored.Events()))
}

func TestRestoredEngineAdvancesIdentically(t *testing.T) {
	e := buildPopulatedEngine(t)

	restored := NewEngine(testEngineConfig())
	restored.RestoreState(e.State())

	input := CycleInput{
		Prices: map[string]Quote{"AAPL": {Price: 149}, "NVDA": {Price: 560}},
		Floats: map[string]float64{"NVDA": 1e6},
	}
	originalReport := e.AdvanceCycle(input)
	restoredReport := restored.AdvanceCycle(input)

	assert.Equal(t, originalReport.Cycle, restoredReport.Cycle)
	assert.Equal(t, len(originalReport.ExpiredOrders), len(restoredReport.ExpiredOrders))
	assert.Equal(t, len(originalReport.Triggered), len(restoredReport.Triggered))
	assert.Equal(t, originalReport.InterestCharged, restoredReport.InterestCharged)
	assert.Equal(t, originalReport.ForcedCovers, restoredReport.ForcedCovers)
	assert.Equal(t, e.Credit().CreditScore(), restored.Credit().CreditScore())
}

func TestSnapshotIsolatedFromLiveEngine(t *testing.T) {
	cfg := testEngineConfig()
	cfg.Credit.InterestChargeCycles = 1
	e := NewEngine(cfg)

	e.Credit().TakeLoan(10000, 0.08, 30, 0)
	ttl := 4
	require.NoError(t, e.Books().AddOrder(&BookEntry{Symbol: "AAPL", Side: Buy, Price: 148, Shares: 10, RemainingCycles: &ttl}))
	_, err := e.Margin().OpenShortPosition("NVDA", 10, 500, 2000)
	require.NoError(t, err)

	state := e.State()

	// Interest, order TTLs and borrow fees all move on the next cycle; the
	// snapshot taken before it must not move with them.
	e.AdvanceCycle(CycleInput{
		Prices: map[string]Quote{"AAPL": {Price: 150}, "NVDA": {Price: 500}},
		Floats: map[string]float64{"NVDA": 1e6},
	})

	require.Len(t, state.Credit.Loans, 1)
	assert.Equal(t, 10000.0, state.Credit.Loans[0].Balance)
	assert.Equal(t, 30, state.Credit.Loans[0].RemainingCycles)
	require.Len(t, state.Books.Books, 1)
	assert.Equal(t, 4, *state.Books.Books[0].Bids[0].RemainingCycles)
	require.Len(t, state.Margin.Positions, 1)
	assert.Zero(t, state.Margin.Positions[0].TotalBorrowFeesPaid)

	assert.InDelta(t, 10800.0, e.Credit().ActiveLoans()[0].Balance, 1e-9)
}

func TestRestoreCopiesSnapshot(t *testing.T) {
	e := buildPopulatedEngine(t)
	state := e.State()

	restored := NewEngine(testEngineConfig())
	restored.RestoreState(state)
	restored.AdvanceCycle(CycleInput{
		Prices: map[string]Quote{"AAPL": {Price: 149}, "NVDA": {Price: 560}},
		Floats: map[string]float64{"NVDA": 1e6},
	})

	// Advancing the restored engine leaves both the adopted snapshot and
	// the source engine untouched.
	assert.Equal(t, state, e.State())
}

func TestRestoreContinuesIDSequences(t *testing.T) {
	e := buildPopulatedEngine(t)
	maxID := uint64(0)
	for _, o := range e.Books().OrdersByTrader("") {
		if o.ID > maxID {
			maxID = o.ID
		}
	}

	restored := NewEngine(testEngineConfig())
	restored.RestoreState(e.State())

	entry := &BookEntry{Symbol: "AAPL", Side: Buy, Price: 140, Shares: 1}
	require.NoError(t, restored.Books().AddOrder(entry))
	assert.Greater(t, entry.ID, maxID)

	loan := restored.Credit().TakeLoan(100, 0.08, 10, 0)
	assert.Equal(t, 3, loan.LoanNumber)
}
