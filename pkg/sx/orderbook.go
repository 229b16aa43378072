package sx

import (
	"sort"
	"sync"
	"time"
)

// BookEntry is a resting order in the book. RemainingCycles is nil for
// entries that never expire through the book's own ticking; player orders
// are governed by an external mechanism and carry nil.
type BookEntry struct {
	ID              uint64    `json:"id"`
	TraderID        string    `json:"traderId"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Shares          float64   `json:"shares"`
	Timestamp       time.Time `json:"timestamp"`
	RemainingCycles *int      `json:"remainingCycles,omitempty"`
}

// Spread is the bid/ask spread of one book.
type Spread struct {
	Absolute float64 `json:"absolute"`
	Percent  float64 `json:"percent"` // of the midpoint
}

// Book holds the two price-time-priority queues for one symbol.
// Bids are kept sorted by price descending, asks by price ascending;
// ties on both sides break by timestamp ascending.
type Book struct {
	Symbol string

	bids []*BookEntry
	asks []*BookEntry
	mu   sync.RWMutex
}

// NewBook creates an empty book for a symbol.
func NewBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   make([]*BookEntry, 0),
		asks:   make([]*BookEntry, 0),
	}
}

// bidBefore reports whether a ranks ahead of b on the bid side.
func bidBefore(a, b *BookEntry) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	return a.Timestamp.Before(b.Timestamp)
}

// askBefore reports whether a ranks ahead of b on the ask side.
func askBefore(a, b *BookEntry) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Timestamp.Before(b.Timestamp)
}

// insert places the entry at its sorted position with a linear scan.
// O(n) is acceptable at simulation scale.
func (b *Book) insert(entry *BookEntry) {
	side := &b.bids
	before := bidBefore
	if entry.Side == Sell {
		side = &b.asks
		before = askBefore
	}

	pos := len(*side)
	for i, existing := range *side {
		if before(entry, existing) {
			pos = i
			break
		}
	}

	*side = append(*side, nil)
	copy((*side)[pos+1:], (*side)[pos:])
	(*side)[pos] = entry
}

// remove deletes the entry with the given id from whichever side holds it.
// Returns false if the id is not present.
func (b *Book) remove(orderID uint64) bool {
	for _, side := range []*[]*BookEntry{&b.bids, &b.asks} {
		for i, e := range *side {
			if e.ID == orderID {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// find returns the entry with the given id, or nil.
func (b *Book) find(orderID uint64) *BookEntry {
	for _, side := range [][]*BookEntry{b.bids, b.asks} {
		for _, e := range side {
			if e.ID == orderID {
				return e
			}
		}
	}
	return nil
}

// OrderBooks is the per-symbol book registry. Symbols must be registered
// before any order can rest; adding an order for an unregistered symbol is
// an explicit error rather than a silent drop, so caller bugs surface.
type OrderBooks struct {
	books  map[string]*Book
	nextID uint64
	mu     sync.RWMutex
}

// NewOrderBooks creates a registry and registers the given symbols.
func NewOrderBooks(symbols ...string) *OrderBooks {
	ob := &OrderBooks{books: make(map[string]*Book)}
	for _, s := range symbols {
		ob.books[s] = NewBook(s)
	}
	return ob
}

// RegisterSymbol initializes an empty book for a symbol.
func (ob *OrderBooks) RegisterSymbol(symbol string) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.books[symbol]; exists {
		return ErrSymbolRegistered
	}
	ob.books[symbol] = NewBook(symbol)
	return nil
}

// Symbols returns the registered symbols.
func (ob *OrderBooks) Symbols() []string {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.symbolsLocked()
}

func (ob *OrderBooks) symbolsLocked() []string {
	symbols := make([]string, 0, len(ob.books))
	for s := range ob.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// AddOrder validates the entry and inserts it at its price-time position.
// An ID is assigned when the entry carries none.
func (ob *OrderBooks) AddOrder(entry *BookEntry) error {
	if entry.Price <= 0 {
		return ErrInvalidPrice
	}
	if entry.Shares <= 0 {
		return ErrInvalidShares
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	book, exists := ob.books[entry.Symbol]
	if !exists {
		return ErrUnknownSymbol
	}

	if entry.ID == 0 {
		ob.nextID++
		entry.ID = ob.nextID
	} else if entry.ID > ob.nextID {
		ob.nextID = entry.ID
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	book.mu.Lock()
	book.insert(entry)
	book.mu.Unlock()
	return nil
}

// RemoveOrder removes an order by identity. A missing symbol or id is a
// no-op, mirroring the NotFound taxonomy.
func (ob *OrderBooks) RemoveOrder(symbol string, orderID uint64) {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return
	}

	book.mu.Lock()
	book.remove(orderID)
	book.mu.Unlock()
}

// UpdateOrderShares sets an order's remaining quantity in place. A quantity
// of zero or less means the order was fully filled and removes it. Price and
// timestamp are untouched so the entry keeps its queue position.
func (ob *OrderBooks) UpdateOrderShares(symbol string, orderID uint64, newShares float64) {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	if newShares <= 0 {
		book.remove(orderID)
		return
	}
	if entry := book.find(orderID); entry != nil {
		entry.Shares = newShares
	}
}

// TickOrderCycles decrements every expiring entry's remaining-cycle counter
// and removes entries that reach zero. Entries without a counter are immune.
// The expired entries are returned for event logging.
func (ob *OrderBooks) TickOrderCycles() []*BookEntry {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	symbols := make([]string, 0, len(ob.books))
	for s := range ob.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols) // deterministic expiry order across runs

	var expired []*BookEntry
	for _, symbol := range symbols {
		book := ob.books[symbol]
		book.mu.Lock()
		for _, side := range []*[]*BookEntry{&book.bids, &book.asks} {
			kept := (*side)[:0]
			for _, e := range *side {
				if e.RemainingCycles != nil {
					*e.RemainingCycles--
					if *e.RemainingCycles <= 0 {
						expired = append(expired, e)
						continue
					}
				}
				kept = append(kept, e)
			}
			*side = kept
		}
		book.mu.Unlock()
	}
	return expired
}

// ApplyStockSplit rescales every resting order for the symbol: shares are
// multiplied by the ratio and prices divided by it, preserving notional
// value. Relative order within each side is unchanged.
func (ob *OrderBooks) ApplyStockSplit(symbol string, ratio float64) error {
	if ratio <= 0 {
		return ErrInvalidRatio
	}

	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return ErrUnknownSymbol
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	for _, side := range [][]*BookEntry{book.bids, book.asks} {
		for _, e := range side {
			e.Shares *= ratio
			e.Price /= ratio
		}
	}
	return nil
}

// BestBid returns the highest-priced bid, or nil when the side is empty.
func (ob *OrderBooks) BestBid(symbol string) *BookEntry {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return nil
	}

	book.mu.RLock()
	defer book.mu.RUnlock()
	if len(book.bids) == 0 {
		return nil
	}
	return book.bids[0]
}

// BestAsk returns the lowest-priced ask, or nil when the side is empty.
func (ob *OrderBooks) BestAsk(symbol string) *BookEntry {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return nil
	}

	book.mu.RLock()
	defer book.mu.RUnlock()
	if len(book.asks) == 0 {
		return nil
	}
	return book.asks[0]
}

// GetSpread returns the bid/ask spread, or nil when either side is empty.
func (ob *OrderBooks) GetSpread(symbol string) *Spread {
	bid := ob.BestBid(symbol)
	ask := ob.BestAsk(symbol)
	if bid == nil || ask == nil {
		return nil
	}

	absolute := ask.Price - bid.Price
	midpoint := (ask.Price + bid.Price) / 2
	spread := &Spread{Absolute: absolute}
	if midpoint > 0 {
		spread.Percent = absolute / midpoint * 100
	}
	return spread
}

// Depth returns the total resting shares on one side of a book.
func (ob *OrderBooks) Depth(symbol string, side Side) float64 {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return 0
	}

	book.mu.RLock()
	defer book.mu.RUnlock()

	entries := book.bids
	if side == Sell {
		entries = book.asks
	}
	total := 0.0
	for _, e := range entries {
		total += e.Shares
	}
	return total
}

// Levels returns up to depth entries from one side, best price first.
func (ob *OrderBooks) Levels(symbol string, side Side, depth int) []*BookEntry {
	ob.mu.RLock()
	book, exists := ob.books[symbol]
	ob.mu.RUnlock()
	if !exists {
		return nil
	}

	book.mu.RLock()
	defer book.mu.RUnlock()

	entries := book.bids
	if side == Sell {
		entries = book.asks
	}
	if depth <= 0 || depth > len(entries) {
		depth = len(entries)
	}
	out := make([]*BookEntry, depth)
	copy(out, entries[:depth])
	return out
}

// OrdersByTrader enumerates every resting order owned by a trader across
// all books and sides.
func (ob *OrderBooks) OrdersByTrader(traderID string) []*BookEntry {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	symbols := make([]string, 0, len(ob.books))
	for s := range ob.books {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var orders []*BookEntry
	for _, symbol := range symbols {
		book := ob.books[symbol]
		book.mu.RLock()
		for _, side := range [][]*BookEntry{book.bids, book.asks} {
			for _, e := range side {
				if e.TraderID == traderID {
					orders = append(orders, e)
				}
			}
		}
		book.mu.RUnlock()
	}
	return orders
}

// OrderCountByTrader counts a trader's resting orders.
func (ob *OrderBooks) OrderCountByTrader(traderID string) int {
	return len(ob.OrdersByTrader(traderID))
}
