package sx

import (
	"sort"
	"sync"
	"time"
)

// ConditionalOrder is a pending order waiting for its trigger condition.
// Stop and stop-limit orders arm on StopPrice; limit orders trigger when the
// market touches LimitPrice. A triggered stop-limit converts into a limit
// order at LimitPrice for the external executor. RemainingCycles is nil for
// orders that never expire.
type ConditionalOrder struct {
	ID              uint64    `json:"id"`
	TraderID        string    `json:"traderId"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Type            OrderType `json:"type"`
	LimitPrice      float64   `json:"limitPrice,omitempty"`
	StopPrice       float64   `json:"stopPrice,omitempty"`
	Shares          float64   `json:"shares"`
	CreatedAt       time.Time `json:"createdAt"`
	RemainingCycles *int      `json:"remainingCycles,omitempty"`
}

// TriggeredOrder pairs a fired conditional order with the price that fired
// it. The engine never executes these itself; the external execution path
// decides what to do with them.
type TriggeredOrder struct {
	Order        *ConditionalOrder `json:"order"`
	TriggerPrice float64           `json:"triggerPrice"`
}

// ConditionalBook is the registry of pending conditional orders.
type ConditionalBook struct {
	orders map[uint64]*ConditionalOrder
	nextID uint64
	mu     sync.RWMutex
}

// NewConditionalBook creates an empty conditional-order registry.
func NewConditionalBook() *ConditionalBook {
	return &ConditionalBook{orders: make(map[uint64]*ConditionalOrder)}
}

// Add registers a pending order and returns its id.
func (cb *ConditionalBook) Add(order *ConditionalOrder) (uint64, error) {
	if order.Shares <= 0 {
		return 0, ErrInvalidShares
	}
	switch order.Type {
	case Limit:
		if order.LimitPrice <= 0 {
			return 0, ErrInvalidPrice
		}
	case Stop:
		if order.StopPrice <= 0 {
			return 0, ErrInvalidPrice
		}
	case StopLimit:
		if order.StopPrice <= 0 || order.LimitPrice <= 0 {
			return 0, ErrInvalidPrice
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if order.ID == 0 {
		cb.nextID++
		order.ID = cb.nextID
	} else if order.ID > cb.nextID {
		cb.nextID = order.ID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	cb.orders[order.ID] = order
	return order.ID, nil
}

// Cancel removes a pending order. Unknown ids are a no-op.
func (cb *ConditionalBook) Cancel(orderID uint64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, exists := cb.orders[orderID]; !exists {
		return false
	}
	delete(cb.orders, orderID)
	return true
}

// Get returns a pending order, or nil.
func (cb *ConditionalBook) Get(orderID uint64) *ConditionalOrder {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.orders[orderID]
}

// Pending returns all pending orders sorted by id.
func (cb *ConditionalBook) Pending() []*ConditionalOrder {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.pendingLocked()
}

func (cb *ConditionalBook) pendingLocked() []*ConditionalOrder {
	out := make([]*ConditionalOrder, 0, len(cb.orders))
	for _, o := range cb.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// triggered reports whether the order fires at the given price.
func (o *ConditionalOrder) triggered(price float64) bool {
	switch o.Type {
	case Limit:
		// A buy limit fires when the market trades down to the limit,
		// a sell limit when it trades up to it.
		if o.Side == Buy {
			return price <= o.LimitPrice
		}
		return price >= o.LimitPrice
	case Stop, StopLimit:
		// A buy stop arms above the market, a sell stop below it.
		if o.Side == Buy {
			return price >= o.StopPrice
		}
		return price <= o.StopPrice
	}
	return false
}

// Evaluate fires every pending order whose condition is met at the current
// prices and removes it from the registry. Orders for symbols missing from
// the feed stay pending. Results are ordered by id for reproducibility.
func (cb *ConditionalBook) Evaluate(prices map[string]Quote) []TriggeredOrder {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ids := make([]uint64, 0, len(cb.orders))
	for id := range cb.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fired []TriggeredOrder
	for _, id := range ids {
		order := cb.orders[id]
		quote, hasPrice := prices[order.Symbol]
		if !hasPrice {
			continue
		}
		if order.triggered(quote.Price) {
			fired = append(fired, TriggeredOrder{Order: order, TriggerPrice: quote.Price})
			delete(cb.orders, id)
		}
	}
	return fired
}

// TickCycles decrements every expiring pending order and removes the ones
// that reach zero, returning them for event logging.
func (cb *ConditionalBook) TickCycles() []*ConditionalOrder {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ids := make([]uint64, 0, len(cb.orders))
	for id := range cb.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var expired []*ConditionalOrder
	for _, id := range ids {
		order := cb.orders[id]
		if order.RemainingCycles == nil {
			continue
		}
		*order.RemainingCycles--
		if *order.RemainingCycles <= 0 {
			expired = append(expired, order)
			delete(cb.orders, id)
		}
	}
	return expired
}
