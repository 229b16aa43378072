// Package sx implements the trading and risk engine for a cycle-driven
// simulated securities market: a price-time-priority order book, a
// conditional-order registry, a collateralized credit engine, and a
// short-position margin engine. The engine owns bookkeeping only; order
// execution, price generation and persistence encoding are driven externally
// once per discrete cycle.
package sx

import (
	"errors"
	"time"
)

// Side represents order side
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderType represents the type of a conditional order
type OrderType int

const (
	Limit OrderType = iota
	Stop
	StopLimit
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Stop:
		return "stop"
	case StopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// Errors
var (
	ErrUnknownSymbol    = errors.New("symbol not registered")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidShares    = errors.New("invalid shares")
	ErrInvalidRatio     = errors.New("invalid split ratio")
	ErrSymbolRegistered = errors.New("symbol already registered")
	ErrNoShortPosition  = errors.New("no short position")
)

// Quote is one entry of the external price feed.
type Quote struct {
	Price             float64 `json:"price"`
	MarketCapBillions float64 `json:"marketCapBillions"`
}

// Holding is one entry of the external portfolio store.
type Holding struct {
	Shares  float64 `json:"shares"`
	AvgCost float64 `json:"avgCost"`
}

// TradeRecord is one completed trade from the external execution path.
// RealizedPL is set on sell trades that close inventory; buys carry nil.
type TradeRecord struct {
	Symbol              string        `json:"symbol"`
	Side                Side          `json:"side"`
	Shares              float64       `json:"shares"`
	Price               float64       `json:"price"`
	Cycle               uint64        `json:"cycle"`
	Timestamp           time.Time     `json:"timestamp"`
	PositionSizePercent float64       `json:"positionSizePercent"`
	HoldingDuration     time.Duration `json:"holdingDuration"`
	RealizedPL          *float64      `json:"realizedPL,omitempty"`
}

// EventType represents the type of an engine event
type EventType int

const (
	EventOrderExpired EventType = iota
	EventOrderTriggered
	EventInterestCharged
	EventLoanOverdue
	EventMarginCall
	EventMarginCallCured
	EventForcedCover
	EventBorrowFee
	EventStockSplit
)

// Event is an engine event, in the style of the trade/lending event log.
type Event struct {
	Type      EventType              `json:"type"`
	Cycle     uint64                 `json:"cycle"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
