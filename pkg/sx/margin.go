package sx

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ShortPosition is one open short, keyed by symbol. EntryPrice is the
// volume-weighted average across all opens that built the position.
type ShortPosition struct {
	Symbol              string    `json:"symbol"`
	Shares              float64   `json:"shares"`
	EntryPrice          float64   `json:"entryPrice"`
	OpenedAt            time.Time `json:"openedAt"`
	CollateralLocked    float64   `json:"collateralLocked"`
	TotalBorrowFeesPaid float64   `json:"totalBorrowFeesPaid"`
}

// MarginCallStatus is an active margin call on one short position.
// CyclesRemaining counts down each cycle the call persists; at zero the
// position is due for forced cover. ForcedCoverDue is set on the first
// flagging so a cover deferred by the caller is not counted twice.
type MarginCallStatus struct {
	Symbol          string    `json:"symbol"`
	CyclesRemaining int       `json:"cyclesRemaining"`
	StartedAt       time.Time `json:"startedAt"`
	ForcedCoverDue  bool      `json:"forcedCoverDue,omitempty"`
}

// MarginConfig sets maintenance requirements, the grace period, and the
// borrow-fee schedule.
type MarginConfig struct {
	MaintenanceMarginPercent float64 `json:"maintenanceMarginPercent"`
	GracePeriodCycles        int     `json:"gracePeriodCycles"`
	BaseBorrowFeeRate        float64 `json:"baseBorrowFeeRate"`
	HardToBorrowMultiplier   float64 `json:"hardToBorrowMultiplier"`
	HardToBorrowFloatPercent float64 `json:"hardToBorrowFloatPercent"`
	InitialCollateralPercent float64 `json:"initialCollateralPercent"`
}

// DefaultMarginConfig returns the standard short-margin parameters.
func DefaultMarginConfig() MarginConfig {
	return MarginConfig{
		MaintenanceMarginPercent: 0.30,
		GracePeriodCycles:        3,
		BaseBorrowFeeRate:        0.0005,
		HardToBorrowMultiplier:   3.0,
		HardToBorrowFloatPercent: 0.20,
		InitialCollateralPercent: 1.50,
	}
}

// MarginStats are cumulative short-selling statistics.
type MarginStats struct {
	TotalBorrowFees   float64 `json:"totalBorrowFees"`
	MarginCallsIssued int     `json:"marginCallsIssued"`
	ForcedCovers      int     `json:"forcedCovers"`
}

// ShortCloseResult reports the outcome of closing part of a short position.
// The caller computes realized P/L from EntryPrice and the cover price.
type ShortCloseResult struct {
	SharesClosed       float64 `json:"sharesClosed"`
	CollateralReleased float64 `json:"collateralReleased"`
	EntryPrice         float64 `json:"entryPrice"`
}

// ShortMarginInfo is the derived short-selling capacity. Shorting draws on
// the same credit line as borrowing, so open loans reduce it.
type ShortMarginInfo struct {
	TotalCollateralLocked float64 `json:"totalCollateralLocked"`
	AvailableCapacity     float64 `json:"availableCapacity"`
	UnrealizedPL          float64 `json:"unrealizedPL"`
}

// MarginEngine owns short positions, their locked collateral and the margin
// call lifecycle. Forced covers are detected here but executed by the
// caller, which owns cash and holdings.
type MarginEngine struct {
	cfg MarginConfig

	positions map[string]*ShortPosition
	calls     map[string]*MarginCallStatus
	stats     MarginStats

	mu sync.RWMutex
}

// NewMarginEngine creates an empty margin engine.
func NewMarginEngine(cfg MarginConfig) *MarginEngine {
	return &MarginEngine{
		cfg:       cfg,
		positions: make(map[string]*ShortPosition),
		calls:     make(map[string]*MarginCallStatus),
	}
}

// Config returns the engine's parameters.
func (me *MarginEngine) Config() MarginConfig { return me.cfg }

// OpenShortPosition opens or extends a short. Extending an existing position
// averages the entry price by volume and adds the locked collateral.
func (me *MarginEngine) OpenShortPosition(symbol string, shares, price, collateral float64) (*ShortPosition, error) {
	if shares <= 0 {
		return nil, ErrInvalidShares
	}
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	pos, exists := me.positions[symbol]
	if !exists {
		pos = &ShortPosition{
			Symbol:           symbol,
			Shares:           shares,
			EntryPrice:       price,
			OpenedAt:         time.Now(),
			CollateralLocked: collateral,
		}
		me.positions[symbol] = pos
		return pos, nil
	}

	totalShares := pos.Shares + shares
	pos.EntryPrice = (pos.EntryPrice*pos.Shares + price*shares) / totalShares
	pos.Shares = totalShares
	pos.CollateralLocked += collateral
	return pos, nil
}

// CloseShortPosition covers up to the requested shares and releases
// collateral proportionally. Covering the whole position removes it along
// with any active margin call.
func (me *MarginEngine) CloseShortPosition(symbol string, shares float64) (*ShortCloseResult, error) {
	if shares <= 0 {
		return nil, ErrInvalidShares
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	pos, exists := me.positions[symbol]
	if !exists {
		return nil, ErrNoShortPosition
	}

	closed := math.Min(shares, pos.Shares)
	released := pos.CollateralLocked * (closed / pos.Shares)
	result := &ShortCloseResult{
		SharesClosed:       closed,
		CollateralReleased: released,
		EntryPrice:         pos.EntryPrice,
	}

	pos.Shares -= closed
	pos.CollateralLocked -= released
	if pos.Shares <= 0 {
		delete(me.positions, symbol)
		delete(me.calls, symbol)
	}
	return result, nil
}

// AddCollateral locks additional collateral against an open short, the cure
// path for a margin call.
func (me *MarginEngine) AddCollateral(symbol string, amount float64) error {
	me.mu.Lock()
	defer me.mu.Unlock()

	pos, exists := me.positions[symbol]
	if !exists {
		return ErrNoShortPosition
	}
	pos.CollateralLocked += amount
	return nil
}

// ApplyStockSplit rescales an open short for a split: shares multiply by the
// ratio, the averaged entry price divides by it. Locked collateral is a cash
// amount and is untouched.
func (me *MarginEngine) ApplyStockSplit(symbol string, ratio float64) error {
	if ratio <= 0 {
		return ErrInvalidRatio
	}

	me.mu.Lock()
	defer me.mu.Unlock()

	pos, exists := me.positions[symbol]
	if !exists {
		return nil
	}
	pos.Shares *= ratio
	pos.EntryPrice /= ratio
	return nil
}

// BorrowFeeRate returns the per-cycle borrow fee rate for a symbol. A symbol
// whose shorted share count exceeds the configured fraction of its float is
// hard to borrow and pays the multiplied rate.
func (me *MarginEngine) BorrowFeeRate(symbol string, floatShares, totalShortedShares float64) float64 {
	rate := me.cfg.BaseBorrowFeeRate
	if floatShares > 0 && totalShortedShares/floatShares >= me.cfg.HardToBorrowFloatPercent {
		rate *= me.cfg.HardToBorrowMultiplier
	}
	return rate
}

// ChargeBorrowFees charges one cycle of borrow fees on every open short at
// current prices and returns the fee per symbol. Missing prices skip the
// charge for that symbol.
func (me *MarginEngine) ChargeBorrowFees(prices map[string]Quote, floats map[string]float64, totalShorted map[string]float64) map[string]float64 {
	me.mu.Lock()
	defer me.mu.Unlock()

	fees := make(map[string]float64)
	for _, symbol := range me.sortedSymbolsLocked() {
		pos := me.positions[symbol]
		quote, ok := prices[symbol]
		if !ok {
			continue
		}
		rate := me.BorrowFeeRate(symbol, floats[symbol], totalShorted[symbol])
		fee := pos.Shares * quote.Price * rate
		pos.TotalBorrowFeesPaid += fee
		me.stats.TotalBorrowFees += fee
		fees[symbol] = fee
	}
	return fees
}

// UnrealizedPL values an open short at the current price. Shorts profit when
// the price falls below entry.
func (pos *ShortPosition) UnrealizedPL(price float64) float64 {
	return (pos.EntryPrice - price) * pos.Shares
}

// undermarginedLocked reports whether a position fails maintenance at the
// given price: equity (locked collateral plus unrealized P/L) below the
// maintenance fraction of current market value.
func (me *MarginEngine) undermarginedLocked(pos *ShortPosition, price float64) bool {
	value := pos.Shares * price
	equity := pos.CollateralLocked + pos.UnrealizedPL(price)
	return equity < value*me.cfg.MaintenanceMarginPercent
}

// UpdateMarginCallStatuses runs the margin call lifecycle for one cycle:
// undermargined positions without a call enter one with the full grace
// period, positions still undermargined count down, and positions back above
// maintenance have their call cleared immediately. A position that dips
// again later starts a fresh grace period. Newly issued calls are returned.
func (me *MarginEngine) UpdateMarginCallStatuses(prices map[string]Quote) []*MarginCallStatus {
	me.mu.Lock()
	defer me.mu.Unlock()

	var issued []*MarginCallStatus
	for _, symbol := range me.sortedSymbolsLocked() {
		pos := me.positions[symbol]
		quote, ok := prices[symbol]
		if !ok {
			continue
		}

		call, active := me.calls[symbol]
		if !me.undermarginedLocked(pos, quote.Price) {
			if active {
				delete(me.calls, symbol)
			}
			continue
		}

		if !active {
			call = &MarginCallStatus{
				Symbol:          symbol,
				CyclesRemaining: me.cfg.GracePeriodCycles,
				StartedAt:       time.Now(),
			}
			me.calls[symbol] = call
			me.stats.MarginCallsIssued++
			issued = append(issued, call)
			continue
		}
		call.CyclesRemaining--
	}
	return issued
}

// MarkForForcedCover returns the symbols whose margin call grace period has
// run out, ordered for reproducibility. The caller performs the cover via
// CloseShortPosition.
func (me *MarginEngine) MarkForForcedCover() []string {
	me.mu.Lock()
	defer me.mu.Unlock()

	var due []string
	for _, symbol := range me.sortedSymbolsLocked() {
		if call, active := me.calls[symbol]; active && call.CyclesRemaining <= 0 {
			due = append(due, symbol)
			if !call.ForcedCoverDue {
				call.ForcedCoverDue = true
				me.stats.ForcedCovers++
			}
		}
	}
	return due
}

// Position returns the open short for a symbol, or nil.
func (me *MarginEngine) Position(symbol string) *ShortPosition {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.positions[symbol]
}

// Positions returns all open shorts ordered by symbol.
func (me *MarginEngine) Positions() []*ShortPosition {
	me.mu.RLock()
	defer me.mu.RUnlock()

	out := make([]*ShortPosition, 0, len(me.positions))
	for _, symbol := range me.sortedSymbolsLocked() {
		out = append(out, me.positions[symbol])
	}
	return out
}

// MarginCall returns the active margin call for a symbol, or nil.
func (me *MarginEngine) MarginCall(symbol string) *MarginCallStatus {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.calls[symbol]
}

// MarginCalls returns all active margin calls ordered by symbol.
func (me *MarginEngine) MarginCalls() []*MarginCallStatus {
	me.mu.RLock()
	defer me.mu.RUnlock()

	symbols := make([]string, 0, len(me.calls))
	for s := range me.calls {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]*MarginCallStatus, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, me.calls[s])
	}
	return out
}

// TotalCollateralLocked sums locked collateral across open shorts.
func (me *MarginEngine) TotalCollateralLocked() float64 {
	me.mu.RLock()
	defer me.mu.RUnlock()

	total := 0.0
	for _, pos := range me.positions {
		total += pos.CollateralLocked
	}
	return total
}

// MarginInfo derives the short-selling capacity left on a credit line after
// the collateral already locked, plus the aggregate unrealized P/L at
// current prices.
func (me *MarginEngine) MarginInfo(line CreditLineInfo, prices map[string]Quote) ShortMarginInfo {
	me.mu.RLock()
	defer me.mu.RUnlock()

	info := ShortMarginInfo{}
	for _, pos := range me.positions {
		info.TotalCollateralLocked += pos.CollateralLocked
		if quote, ok := prices[pos.Symbol]; ok {
			info.UnrealizedPL += pos.UnrealizedPL(quote.Price)
		}
	}
	info.AvailableCapacity = math.Max(0, line.AvailableCredit-info.TotalCollateralLocked)
	return info
}

// Stats returns the cumulative short-selling statistics.
func (me *MarginEngine) Stats() MarginStats {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.stats
}

func (me *MarginEngine) sortedSymbolsLocked() []string {
	symbols := make([]string, 0, len(me.positions))
	for s := range me.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
