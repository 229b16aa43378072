package sx

import (
	"sort"
	"sync"
	"time"
)

func (t EventType) String() string {
	switch t {
	case EventOrderExpired:
		return "order_expired"
	case EventOrderTriggered:
		return "order_triggered"
	case EventInterestCharged:
		return "interest_charged"
	case EventLoanOverdue:
		return "loan_overdue"
	case EventMarginCall:
		return "margin_call"
	case EventMarginCallCured:
		return "margin_call_cured"
	case EventForcedCover:
		return "forced_cover"
	case EventBorrowFee:
		return "borrow_fee"
	case EventStockSplit:
		return "stock_split"
	default:
		return "unknown"
	}
}

// Config aggregates the engine's sub-component parameters.
type Config struct {
	Symbols               []string         `json:"symbols"`
	InitialCapital        float64          `json:"initialCapital"`
	BaseCollateralPercent float64          `json:"baseCollateralPercent"`
	Credit                CreditConfig     `json:"credit"`
	Margin                MarginConfig     `json:"margin"`
	Risk                  RiskConfig       `json:"risk"`
	Collateral            CollateralConfig `json:"collateral"`
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		InitialCapital:        100000,
		BaseCollateralPercent: 0.10,
		Credit:                DefaultCreditConfig(),
		Margin:                DefaultMarginConfig(),
		Risk:                  DefaultRiskConfig(),
		Collateral:            DefaultCollateralConfig(),
	}
}

// CycleInput is everything the external driver feeds into one cycle: the
// price snapshot plus the per-symbol float and aggregate short interest
// used for borrow-fee classification.
type CycleInput struct {
	Prices       map[string]Quote   `json:"prices"`
	Floats       map[string]float64 `json:"floats"`
	TotalShorted map[string]float64 `json:"totalShorted"`
}

// CycleReport is what one cycle produced. Matured loans and forced covers
// are detected here but settled by the driver, which owns cash and holdings.
type CycleReport struct {
	Cycle               uint64                `json:"cycle"`
	ExpiredOrders       []*BookEntry          `json:"expiredOrders,omitempty"`
	ExpiredConditionals []*ConditionalOrder   `json:"expiredConditionals,omitempty"`
	Triggered           []TriggeredOrder      `json:"triggered,omitempty"`
	InterestCharged     float64               `json:"interestCharged"`
	MaturedLoans        []*Loan               `json:"maturedLoans,omitempty"`
	LoansNeedingWarning []*Loan               `json:"loansNeedingWarning,omitempty"`
	MarginCallsIssued   []*MarginCallStatus   `json:"marginCallsIssued,omitempty"`
	ForcedCovers        []string              `json:"forcedCovers,omitempty"`
	BorrowFees          map[string]float64    `json:"borrowFees,omitempty"`
}

// Engine ties the order book, conditional orders, credit and margin together
// and advances them in lockstep once per cycle. All price and time inputs
// come from outside; the engine never invents either.
type Engine struct {
	cfg Config

	books        *OrderBooks
	conditionals *ConditionalBook
	credit       *CreditEngine
	margin       *MarginEngine
	analyzer     *RiskProfileAnalyzer

	cycle  uint64
	events []Event
	trades []TradeRecord

	// Credit line derivation is memoized per (cycle, credit mutation).
	lineMemo      CreditLineInfo
	lineMemoCycle uint64
	lineMemoGen   uint64
	lineMemoValid bool

	mu sync.RWMutex
}

// NewEngine creates an engine with books registered for the configured
// symbols.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:          cfg,
		books:        NewOrderBooks(cfg.Symbols...),
		conditionals: NewConditionalBook(),
		credit:       NewCreditEngine(cfg.Credit),
		margin:       NewMarginEngine(cfg.Margin),
		analyzer:     NewRiskProfileAnalyzer(cfg.Risk),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Books returns the order book registry.
func (e *Engine) Books() *OrderBooks { return e.books }

// Conditionals returns the conditional-order registry.
func (e *Engine) Conditionals() *ConditionalBook { return e.conditionals }

// Credit returns the credit engine.
func (e *Engine) Credit() *CreditEngine { return e.credit }

// Margin returns the margin engine.
func (e *Engine) Margin() *MarginEngine { return e.margin }

// Cycle returns the current cycle number.
func (e *Engine) Cycle() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cycle
}

// AdvanceCycle moves the engine one cycle forward and runs the fixed
// per-cycle sequence: book expiry, conditional expiry and triggers, the
// interest cadence, loan countdown, the margin call lifecycle, borrow fees,
// and forced-cover detection. The order is fixed so a replay with the same
// inputs produces the same events.
func (e *Engine) AdvanceCycle(input CycleInput) *CycleReport {
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()

	report := &CycleReport{Cycle: cycle}

	report.ExpiredOrders = e.books.TickOrderCycles()
	for _, entry := range report.ExpiredOrders {
		e.logEvent(EventOrderExpired, map[string]interface{}{
			"orderId": entry.ID,
			"symbol":  entry.Symbol,
			"side":    entry.Side.String(),
			"shares":  entry.Shares,
			"price":   entry.Price,
		})
	}

	report.ExpiredConditionals = e.conditionals.TickCycles()
	for _, order := range report.ExpiredConditionals {
		e.logEvent(EventOrderExpired, map[string]interface{}{
			"orderId":     order.ID,
			"symbol":      order.Symbol,
			"conditional": true,
		})
	}

	report.Triggered = e.conditionals.Evaluate(input.Prices)
	for _, t := range report.Triggered {
		e.logEvent(EventOrderTriggered, map[string]interface{}{
			"orderId":      t.Order.ID,
			"symbol":       t.Order.Symbol,
			"type":         t.Order.Type.String(),
			"side":         t.Order.Side.String(),
			"triggerPrice": t.TriggerPrice,
		})
	}

	if e.credit.IncrementInterestCycleCounter() {
		report.InterestCharged = e.credit.ChargeInterest()
		if report.InterestCharged > 0 {
			e.logEvent(EventInterestCharged, map[string]interface{}{
				"amount": report.InterestCharged,
			})
		}
	}

	e.credit.DecrementLoanCycles()
	report.MaturedLoans = e.credit.MaturedLoans()
	report.LoansNeedingWarning = e.credit.LoansNeedingWarning()

	report.MarginCallsIssued = e.margin.UpdateMarginCallStatuses(input.Prices)
	for _, call := range report.MarginCallsIssued {
		e.logEvent(EventMarginCall, map[string]interface{}{
			"symbol":          call.Symbol,
			"cyclesRemaining": call.CyclesRemaining,
		})
	}

	report.BorrowFees = e.margin.ChargeBorrowFees(input.Prices, input.Floats, input.TotalShorted)
	for _, symbol := range sortedKeys(report.BorrowFees) {
		e.logEvent(EventBorrowFee, map[string]interface{}{
			"symbol": symbol,
			"fee":    report.BorrowFees[symbol],
		})
	}

	report.ForcedCovers = e.margin.MarkForForcedCover()
	for _, symbol := range report.ForcedCovers {
		e.logEvent(EventForcedCover, map[string]interface{}{
			"symbol": symbol,
		})
	}

	return report
}

// ProcessLoanMaturity settles a matured loan and logs the overdue event when
// the repayment fell short.
func (e *Engine) ProcessLoanMaturity(loanID uint64, amountRepaid float64, wasFullyRepaid bool) {
	e.credit.ProcessLoanMaturity(loanID, amountRepaid, wasFullyRepaid)
	if !wasFullyRepaid {
		e.logEvent(EventLoanOverdue, map[string]interface{}{
			"loanId":       loanID,
			"amountRepaid": amountRepaid,
		})
	}
}

// ApplyStockSplit rescales resting orders and any open short for the symbol.
func (e *Engine) ApplyStockSplit(symbol string, ratio float64) error {
	if err := e.books.ApplyStockSplit(symbol, ratio); err != nil {
		return err
	}
	if err := e.margin.ApplyStockSplit(symbol, ratio); err != nil {
		return err
	}
	e.logEvent(EventStockSplit, map[string]interface{}{
		"symbol": symbol,
		"ratio":  ratio,
	})
	return nil
}

// RecordTrade appends a completed trade to the history feeding the risk
// profile.
func (e *Engine) RecordTrade(trade TradeRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trades = append(e.trades, trade)
}

// Trades returns a copy of the trade history.
func (e *Engine) Trades() []TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]TradeRecord, len(e.trades))
	copy(out, e.trades)
	return out
}

// RiskProfile analyzes the recorded trade history. The second return is
// false while the history is too short to score.
func (e *Engine) RiskProfile() (*RiskProfileAnalysis, bool) {
	return e.analyzer.Analyze(e.Trades())
}

// ValueCollateral values the account's collateral at current prices. The
// base collateral is the configured fraction of initial capital.
func (e *Engine) ValueCollateral(cash float64, holdings map[string]Holding, prices map[string]Quote) CollateralBreakdown {
	base := e.cfg.InitialCapital * e.cfg.BaseCollateralPercent
	return ValueCollateral(e.cfg.Collateral, cash, holdings, prices, base)
}

// CreditLine derives the account's credit line, memoized per cycle until the
// credit engine mutates.
func (e *Engine) CreditLine(cash float64, holdings map[string]Holding, prices map[string]Quote, pendingRequests float64) CreditLineInfo {
	gen := e.credit.Generation()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lineMemoValid && e.lineMemoCycle == e.cycle && e.lineMemoGen == gen {
		return e.lineMemo
	}

	collateral := ValueCollateral(e.cfg.Collateral, cash, holdings, prices,
		e.cfg.InitialCapital*e.cfg.BaseCollateralPercent)
	line := e.credit.CreditLine(collateral, pendingRequests)

	e.lineMemo = line
	e.lineMemoCycle = e.cycle
	e.lineMemoGen = gen
	e.lineMemoValid = true
	return line
}

// Events returns a copy of the engine event log.
func (e *Engine) Events() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// EventsSince returns events logged at or after the given cycle.
func (e *Engine) EventsSince(cycle uint64) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.events {
		if ev.Cycle >= cycle {
			out = append(out, ev)
		}
	}
	return out
}

func (e *Engine) logEvent(eventType EventType, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{
		Type:      eventType,
		Cycle:     e.cycle,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
