package sx

// Snapshot types are plain data with JSON tags only; the persistence
// encoding lives outside the engine. State copies everything it exports and
// Restore copies everything it adopts, so a snapshot held across further
// engine activity never changes underneath its holder. Restore rebuilds the
// exact internal state so a restored engine replays identically to one that
// never stopped.

func cloneBookEntry(entry *BookEntry) *BookEntry {
	dup := *entry
	if entry.RemainingCycles != nil {
		ttl := *entry.RemainingCycles
		dup.RemainingCycles = &ttl
	}
	return &dup
}

func cloneBookEntries(entries []*BookEntry) []*BookEntry {
	out := make([]*BookEntry, len(entries))
	for i, entry := range entries {
		out[i] = cloneBookEntry(entry)
	}
	return out
}

func cloneConditionalOrder(order *ConditionalOrder) *ConditionalOrder {
	dup := *order
	if order.RemainingCycles != nil {
		ttl := *order.RemainingCycles
		dup.RemainingCycles = &ttl
	}
	return &dup
}

func cloneLoan(loan *Loan) *Loan {
	dup := *loan
	if loan.WarningShown != nil {
		shown := *loan.WarningShown
		dup.WarningShown = &shown
	}
	return &dup
}

// BookState is the persisted form of one symbol's book.
type BookState struct {
	Symbol string       `json:"symbol"`
	Bids   []*BookEntry `json:"bids"`
	Asks   []*BookEntry `json:"asks"`
}

// OrderBooksState is the persisted form of the book registry.
type OrderBooksState struct {
	Books  []BookState `json:"books"`
	NextID uint64      `json:"nextId"`
}

// State captures the book registry.
func (ob *OrderBooks) State() OrderBooksState {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	state := OrderBooksState{NextID: ob.nextID}
	for _, symbol := range ob.symbolsLocked() {
		book := ob.books[symbol]
		book.mu.RLock()
		bs := BookState{
			Symbol: symbol,
			Bids:   cloneBookEntries(book.bids),
			Asks:   cloneBookEntries(book.asks),
		}
		book.mu.RUnlock()
		state.Books = append(state.Books, bs)
	}
	return state
}

// Restore replaces the registry contents with the snapshot.
func (ob *OrderBooks) Restore(state OrderBooksState) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.books = make(map[string]*Book, len(state.Books))
	ob.nextID = state.NextID
	for _, bs := range state.Books {
		book := NewBook(bs.Symbol)
		book.bids = cloneBookEntries(bs.Bids)
		book.asks = cloneBookEntries(bs.Asks)
		ob.books[bs.Symbol] = book
	}
}

// ConditionalBookState is the persisted form of the conditional registry.
type ConditionalBookState struct {
	Orders []*ConditionalOrder `json:"orders"`
	NextID uint64              `json:"nextId"`
}

// State captures the conditional-order registry.
func (cb *ConditionalBook) State() ConditionalBookState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	state := ConditionalBookState{NextID: cb.nextID}
	for _, order := range cb.pendingLocked() {
		state.Orders = append(state.Orders, cloneConditionalOrder(order))
	}
	return state
}

// Restore replaces the registry contents with the snapshot.
func (cb *ConditionalBook) Restore(state ConditionalBookState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.orders = make(map[uint64]*ConditionalOrder, len(state.Orders))
	cb.nextID = state.NextID
	for _, order := range state.Orders {
		cb.orders[order.ID] = cloneConditionalOrder(order)
	}
}

// CreditEngineState is the persisted form of the credit engine.
type CreditEngineState struct {
	Loans                []*Loan             `json:"loans"`
	NextLoanID           uint64              `json:"nextLoanId"`
	NextLoanNumber       int                 `json:"nextLoanNumber"`
	CreditScore          float64             `json:"creditScore"`
	Events               []CreditScoreEvent  `json:"events"`
	Delinquencies        []DelinquencyRecord `json:"delinquencies"`
	InterestCycleCounter int                 `json:"interestCycleCounter"`
	Stats                CreditStats         `json:"stats"`
	Generation           uint64              `json:"generation"`
}

// State captures the credit engine.
func (ce *CreditEngine) State() CreditEngineState {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	state := CreditEngineState{
		NextLoanID:           ce.nextLoanID,
		NextLoanNumber:       ce.nextLoanNumber,
		CreditScore:          ce.creditScore,
		Events:               make([]CreditScoreEvent, len(ce.events)),
		InterestCycleCounter: ce.interestCycleCounter,
		Stats:                ce.stats,
		Generation:           ce.generation,
	}
	for _, loan := range ce.sortedLoansLocked() {
		state.Loans = append(state.Loans, cloneLoan(loan))
	}
	copy(state.Events, ce.events)
	for _, rec := range ce.delinquencies {
		state.Delinquencies = append(state.Delinquencies, *rec)
	}
	return state
}

// Restore replaces the engine contents with the snapshot.
func (ce *CreditEngine) Restore(state CreditEngineState) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	ce.loans = make(map[uint64]*Loan, len(state.Loans))
	for _, loan := range state.Loans {
		ce.loans[loan.ID] = cloneLoan(loan)
	}
	ce.nextLoanID = state.NextLoanID
	ce.nextLoanNumber = state.NextLoanNumber
	ce.creditScore = state.CreditScore
	ce.events = append([]CreditScoreEvent(nil), state.Events...)
	ce.delinquencies = nil
	for i := range state.Delinquencies {
		rec := state.Delinquencies[i]
		ce.delinquencies = append(ce.delinquencies, &rec)
	}
	ce.interestCycleCounter = state.InterestCycleCounter
	ce.stats = state.Stats
	ce.generation = state.Generation
}

// MarginEngineState is the persisted form of the margin engine.
type MarginEngineState struct {
	Positions []*ShortPosition    `json:"positions"`
	Calls     []*MarginCallStatus `json:"calls"`
	Stats     MarginStats         `json:"stats"`
}

// State captures the margin engine.
func (me *MarginEngine) State() MarginEngineState {
	me.mu.RLock()
	defer me.mu.RUnlock()

	state := MarginEngineState{Stats: me.stats}
	for _, symbol := range me.sortedSymbolsLocked() {
		pos := *me.positions[symbol]
		state.Positions = append(state.Positions, &pos)
	}
	for _, symbol := range me.sortedSymbolsLocked() {
		if call, ok := me.calls[symbol]; ok {
			dup := *call
			state.Calls = append(state.Calls, &dup)
		}
	}
	return state
}

// Restore replaces the engine contents with the snapshot.
func (me *MarginEngine) Restore(state MarginEngineState) {
	me.mu.Lock()
	defer me.mu.Unlock()

	me.positions = make(map[string]*ShortPosition, len(state.Positions))
	for _, pos := range state.Positions {
		dup := *pos
		me.positions[pos.Symbol] = &dup
	}
	me.calls = make(map[string]*MarginCallStatus, len(state.Calls))
	for _, call := range state.Calls {
		dup := *call
		me.calls[call.Symbol] = &dup
	}
	me.stats = state.Stats
}

// EngineState is the persisted form of the whole engine.
type EngineState struct {
	Cycle        uint64               `json:"cycle"`
	Books        OrderBooksState      `json:"books"`
	Conditionals ConditionalBookState `json:"conditionals"`
	Credit       CreditEngineState    `json:"credit"`
	Margin       MarginEngineState    `json:"margin"`
	Events       []Event              `json:"events"`
	Trades       []TradeRecord        `json:"trades"`
}

// State captures the engine and all sub-components.
func (e *Engine) State() EngineState {
	e.mu.RLock()
	cycle := e.cycle
	events := make([]Event, len(e.events))
	copy(events, e.events)
	trades := make([]TradeRecord, len(e.trades))
	copy(trades, e.trades)
	e.mu.RUnlock()

	return EngineState{
		Cycle:        cycle,
		Books:        e.books.State(),
		Conditionals: e.conditionals.State(),
		Credit:       e.credit.State(),
		Margin:       e.margin.State(),
		Events:       events,
		Trades:       trades,
	}
}

// RestoreState replaces the engine and all sub-components with the snapshot.
func (e *Engine) RestoreState(state EngineState) {
	e.books.Restore(state.Books)
	e.conditionals.Restore(state.Conditionals)
	e.credit.Restore(state.Credit)
	e.margin.Restore(state.Margin)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cycle = state.Cycle
	e.events = append([]Event(nil), state.Events...)
	e.trades = append([]TradeRecord(nil), state.Trades...)
	e.lineMemoValid = false
}
