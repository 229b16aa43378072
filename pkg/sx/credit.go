package sx

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// CreditEventType represents the type of a credit score event
type CreditEventType int

const (
	RepaidEarly CreditEventType = iota
	RepaidOnTime
	AutoRepaid
	Overdue
	DefaultPenalty
)

func (t CreditEventType) String() string {
	switch t {
	case RepaidEarly:
		return "repaid_early"
	case RepaidOnTime:
		return "repaid_on_time"
	case AutoRepaid:
		return "auto_repaid"
	case Overdue:
		return "overdue"
	case DefaultPenalty:
		return "default_penalty"
	default:
		return "unknown"
	}
}

// Loan is a collateral-backed credit position. A loan leaves the active set
// only on full repayment; going overdue never removes it. WarningShown is
// nil until the maturity warning has been surfaced once.
type Loan struct {
	ID                uint64    `json:"id"`
	LoanNumber        int       `json:"loanNumber"`
	Principal         float64   `json:"principal"`
	Balance           float64   `json:"balance"`
	InterestRate      float64   `json:"interestRate"`
	CreatedAt         time.Time `json:"createdAt"`
	CreatedCycle      uint64    `json:"createdCycle"`
	TotalInterestPaid float64   `json:"totalInterestPaid"`
	DurationCycles    int       `json:"durationCycles"`
	RemainingCycles   int       `json:"remainingCycles"`
	IsOverdue         bool      `json:"isOverdue"`
	OverdueForCycles  int       `json:"overdueForCycles"`
	WarningShown      *bool     `json:"warningShown,omitempty"`
}

// CreditScoreEvent is one append-only entry of the credit history.
type CreditScoreEvent struct {
	Type        CreditEventType `json:"type"`
	Change      float64         `json:"change"`
	LoanID      uint64          `json:"loanId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Description string          `json:"description,omitempty"`
}

// DelinquencyRecord tracks one loan's failure to repay at maturity.
// MaxOverdueCycles only grows while unresolved; ResolvedAt is set exactly
// once, on full repayment.
type DelinquencyRecord struct {
	LoanID           uint64     `json:"loanId"`
	MaxOverdueCycles int        `json:"maxOverdueCycles"`
	StartedAt        time.Time  `json:"startedAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// CreditConfig sets score bounds, fee and penalty schedules, the interest
// cadence, and every term of the effective-rate derivation.
type CreditConfig struct {
	MinCreditScore     float64 `json:"minCreditScore"`
	MaxCreditScore     float64 `json:"maxCreditScore"`
	InitialCreditScore float64 `json:"initialCreditScore"`

	BaseInterestRate     float64 `json:"baseInterestRate"`
	MinInterestRate      float64 `json:"minInterestRate"`
	InterestChargeCycles int     `json:"interestChargeCycles"`

	OriginationFeePercent float64 `json:"originationFeePercent"`

	EarlyRepaymentBonus  float64 `json:"earlyRepaymentBonus"`
	OnTimeRepaymentBonus float64 `json:"onTimeRepaymentBonus"`
	AutoRepaymentBonus   float64 `json:"autoRepaymentBonus"`
	OverdueMarkPenalty   float64 `json:"overdueMarkPenalty"`

	BasePenaltyPerCycle  float64 `json:"basePenaltyPerCycle"`
	MaxPenaltyPerCycle   float64 `json:"maxPenaltyPerCycle"`
	ProgressiveThreshold int     `json:"progressiveThreshold"`

	MaturityWarningCycles int `json:"maturityWarningCycles"`

	// Effective-rate derivation.
	MinTradesForFullImpact     int     `json:"minTradesForFullImpact"`
	ConservativeRateBonus      float64 `json:"conservativeRateBonus"`
	AggressiveRatePenalty      float64 `json:"aggressiveRatePenalty"`
	LossThreshold              float64 `json:"lossThreshold"`
	LossPenaltyPerThousand     float64 `json:"lossPenaltyPerThousand"`
	LossPenaltyCap             float64 `json:"lossPenaltyCap"`
	UtilizationTier1           float64 `json:"utilizationTier1"`
	UtilizationTier1Surcharge  float64 `json:"utilizationTier1Surcharge"`
	UtilizationTier2           float64 `json:"utilizationTier2"`
	UtilizationTier2Surcharge  float64 `json:"utilizationTier2Surcharge"`
	UtilizationTier3           float64 `json:"utilizationTier3"`
	UtilizationTier3Surcharge  float64 `json:"utilizationTier3Surcharge"`
	PerAdditionalLoanPenalty   float64 `json:"perAdditionalLoanPenalty"`
	CreditScoreBonusPerPoint   float64 `json:"creditScoreBonusPerPoint"`
	CreditScorePenaltyPerPoint float64 `json:"creditScorePenaltyPerPoint"`
	MinDurationForDiscount     int     `json:"minDurationForDiscount"`
	DurationDiscountStep       int     `json:"durationDiscountStep"`
	DurationDiscountPerStep    float64 `json:"durationDiscountPerStep"`
	MaxDurationDiscount        float64 `json:"maxDurationDiscount"`

	CreditLineMultiplier float64 `json:"creditLineMultiplier"`
	MaxLoanSlots         int     `json:"maxLoanSlots"`
}

// DefaultCreditConfig returns the standard credit parameters.
func DefaultCreditConfig() CreditConfig {
	return CreditConfig{
		MinCreditScore:     0,
		MaxCreditScore:     200,
		InitialCreditScore: 100,

		BaseInterestRate:     0.08,
		MinInterestRate:      0.01,
		InterestChargeCycles: 5,

		OriginationFeePercent: 0.01,

		EarlyRepaymentBonus:  5,
		OnTimeRepaymentBonus: 3,
		AutoRepaymentBonus:   4,
		OverdueMarkPenalty:   10,

		BasePenaltyPerCycle:  2,
		MaxPenaltyPerCycle:   10,
		ProgressiveThreshold: 5,

		MaturityWarningCycles: 3,

		MinTradesForFullImpact:     20,
		ConservativeRateBonus:      0.010,
		AggressiveRatePenalty:      0.015,
		LossThreshold:              -5000,
		LossPenaltyPerThousand:     0.002,
		LossPenaltyCap:             0.020,
		UtilizationTier1:           0.50,
		UtilizationTier1Surcharge:  0.005,
		UtilizationTier2:           0.75,
		UtilizationTier2Surcharge:  0.010,
		UtilizationTier3:           1.00,
		UtilizationTier3Surcharge:  0.020,
		PerAdditionalLoanPenalty:   0.005,
		CreditScoreBonusPerPoint:   0.0001,
		CreditScorePenaltyPerPoint: 0.0002,
		MinDurationForDiscount:     20,
		DurationDiscountStep:       10,
		DurationDiscountPerStep:    0.0025,
		MaxDurationDiscount:        0.010,

		CreditLineMultiplier: 2.0,
		MaxLoanSlots:         3,
	}
}

// CreditStats are cumulative lending statistics.
type CreditStats struct {
	TotalInterestCharged    float64 `json:"totalInterestCharged"`
	TotalOriginationFees    float64 `json:"totalOriginationFees"`
	TotalEarlyRepaymentFees float64 `json:"totalEarlyRepaymentFees"`
	TotalPenaltyPoints      float64 `json:"totalPenaltyPoints"`
	LoansTaken              int     `json:"loansTaken"`
	LoansFullyRepaid        int     `json:"loansFullyRepaid"`
	LoansGoneOverdue        int     `json:"loansGoneOverdue"`
}

// CreditEngine owns loans, the bounded credit score, the append-only credit
// history and the delinquency records. Capacity checks are the caller's job
// via CreditLineInfo; the engine does correct bookkeeping only.
type CreditEngine struct {
	cfg CreditConfig

	loans          map[uint64]*Loan
	nextLoanID     uint64
	nextLoanNumber int

	creditScore   float64
	events        []CreditScoreEvent
	delinquencies []*DelinquencyRecord

	interestCycleCounter int
	stats                CreditStats

	// generation bumps on every mutation; derived views key their memo on it.
	generation uint64

	mu sync.RWMutex
}

// NewCreditEngine creates a credit engine with the neutral initial score.
func NewCreditEngine(cfg CreditConfig) *CreditEngine {
	return &CreditEngine{
		cfg:         cfg,
		loans:       make(map[uint64]*Loan),
		creditScore: cfg.InitialCreditScore,
	}
}

// Config returns the engine's parameters.
func (ce *CreditEngine) Config() CreditConfig { return ce.cfg }

// Generation returns the mutation counter for memoized derivations.
func (ce *CreditEngine) Generation() uint64 {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.generation
}

// TakeLoan issues a loan at the given rate and term. The balance starts at
// the principal and the origination fee is recorded into the statistics.
// Credit-line capacity is deliberately not validated here.
func (ce *CreditEngine) TakeLoan(amount, rate float64, durationCycles int, cycle uint64) *Loan {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	ce.nextLoanID++
	ce.nextLoanNumber++
	loan := &Loan{
		ID:              ce.nextLoanID,
		LoanNumber:      ce.nextLoanNumber,
		Principal:       amount,
		Balance:         amount,
		InterestRate:    rate,
		CreatedAt:       time.Now(),
		CreatedCycle:    cycle,
		DurationCycles:  durationCycles,
		RemainingCycles: durationCycles,
	}
	ce.loans[loan.ID] = loan
	ce.stats.LoansTaken++
	ce.stats.TotalOriginationFees += amount * ce.cfg.OriginationFeePercent
	ce.generation++
	return loan
}

// RepayLoan reduces a loan's balance. When the balance reaches zero the loan
// closes and exactly one credit event fires: clearing an overdue loan earns
// no score change, repaying ahead of schedule earns the early bonus, and
// repaying at maturity earns the smaller on-time bonus. The early-repayment
// fee is recorded only when the repayment actually was early and a fee was
// deducted. Unknown ids are a no-op.
func (ce *CreditEngine) RepayLoan(loanID uint64, amount, feeDeducted float64, isEarlyRepayment bool) (closed bool) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	loan, exists := ce.loans[loanID]
	if !exists {
		return false
	}

	loan.Balance -= amount
	if isEarlyRepayment && feeDeducted > 0 {
		ce.stats.TotalEarlyRepaymentFees += feeDeducted
	}
	ce.generation++

	if loan.Balance > 0 {
		return false
	}
	loan.Balance = 0

	switch {
	case loan.IsOverdue:
		// Paying off a delinquent loan stops the bleeding but earns nothing.
		ce.recordEvent(RepaidOnTime, 0, loan.ID, fmt.Sprintf("loan #%d repaid after delinquency", loan.LoanNumber))
		ce.resolveDelinquency(loan.ID)
	case isEarlyRepayment:
		ce.adjustScore(RepaidEarly, ce.cfg.EarlyRepaymentBonus, loan.ID, fmt.Sprintf("loan #%d repaid early", loan.LoanNumber))
	default:
		ce.adjustScore(RepaidOnTime, ce.cfg.OnTimeRepaymentBonus, loan.ID, fmt.Sprintf("loan #%d repaid on time", loan.LoanNumber))
	}

	delete(ce.loans, loanID)
	ce.stats.LoansFullyRepaid++
	return true
}

// ProcessLoanMaturity settles a loan whose term just ended. Full repayment
// closes it with the auto-repaid bonus; anything less marks it overdue and
// opens a delinquency record.
func (ce *CreditEngine) ProcessLoanMaturity(loanID uint64, amountRepaid float64, wasFullyRepaid bool) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	loan, exists := ce.loans[loanID]
	if !exists {
		return
	}
	ce.generation++

	if wasFullyRepaid {
		loan.Balance = math.Max(0, loan.Balance-amountRepaid)
		ce.adjustScore(AutoRepaid, ce.cfg.AutoRepaymentBonus, loan.ID, fmt.Sprintf("loan #%d auto-repaid at maturity", loan.LoanNumber))
		delete(ce.loans, loanID)
		ce.stats.LoansFullyRepaid++
		return
	}

	loan.Balance -= amountRepaid
	loan.IsOverdue = true
	ce.stats.LoansGoneOverdue++
	ce.adjustScore(Overdue, -ce.cfg.OverdueMarkPenalty, loan.ID, fmt.Sprintf("loan #%d overdue at maturity", loan.LoanNumber))
	ce.delinquencies = append(ce.delinquencies, &DelinquencyRecord{
		LoanID:    loan.ID,
		StartedAt: time.Now(),
	})
}

// ProgressiveOverduePenalty returns the per-cycle score penalty for a loan
// that has been overdue for the given number of cycles (1-based, current
// cycle included). The penalty steps up every ProgressiveThreshold cycles
// and is capped: one loan overdue 40 cycles hurts more than 20 loans each
// overdue 2.
func (ce *CreditEngine) ProgressiveOverduePenalty(overdueForCycles int) float64 {
	if overdueForCycles < 1 {
		return 0
	}
	steps := (overdueForCycles - 1) / ce.cfg.ProgressiveThreshold
	penalty := ce.cfg.BasePenaltyPerCycle * float64(1+steps)
	return math.Min(penalty, ce.cfg.MaxPenaltyPerCycle)
}

// DecrementLoanCycles advances every loan by one cycle: healthy loans count
// down toward maturity (floored at zero), overdue loans accrue another
// overdue cycle and take the progressive score penalty, with the open
// delinquency record tracking the high-water mark.
func (ce *CreditEngine) DecrementLoanCycles() {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, loan := range ce.sortedLoansLocked() {
		if !loan.IsOverdue {
			if loan.RemainingCycles > 0 {
				loan.RemainingCycles--
			}
			continue
		}

		loan.OverdueForCycles++
		penalty := ce.ProgressiveOverduePenalty(loan.OverdueForCycles)
		ce.adjustScore(DefaultPenalty, -penalty, loan.ID,
			fmt.Sprintf("loan #%d overdue for %d cycles", loan.LoanNumber, loan.OverdueForCycles))
		ce.stats.TotalPenaltyPoints += penalty
		if rec := ce.openDelinquency(loan.ID); rec != nil && loan.OverdueForCycles > rec.MaxOverdueCycles {
			rec.MaxOverdueCycles = loan.OverdueForCycles
		}
	}
	ce.generation++
}

// IncrementInterestCycleCounter advances the interest cadence and reports
// whether interest is due this cycle; the counter resets when it fires.
func (ce *CreditEngine) IncrementInterestCycleCounter() bool {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	ce.interestCycleCounter++
	if ce.interestCycleCounter < ce.cfg.InterestChargeCycles {
		return false
	}
	ce.interestCycleCounter = 0
	return true
}

// ChargeInterest compounds one cadence period of interest onto every loan's
// balance and returns the total charged.
func (ce *CreditEngine) ChargeInterest() float64 {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	total := 0.0
	for _, loan := range ce.loans {
		interest := loan.Balance * (loan.InterestRate / float64(ce.cfg.InterestChargeCycles))
		loan.Balance += interest
		loan.TotalInterestPaid += interest
		total += interest
	}
	ce.stats.TotalInterestCharged += total
	ce.generation++
	return total
}

// RepayAllLoans greedily settles loans oldest-first until the funds run out
// and returns the amount spent. Fully repaid loans are removed. No credit
// events fire on this path: a lump-sum settlement is a defensive move, not
// a positive repayment signal.
func (ce *CreditEngine) RepayAllLoans(funds float64) (spent float64) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	for _, loan := range ce.sortedLoansLocked() {
		if funds <= 0 {
			break
		}
		payment := math.Min(funds, loan.Balance)
		loan.Balance -= payment
		funds -= payment
		spent += payment
		if loan.Balance <= 0 {
			if loan.IsOverdue {
				ce.resolveDelinquency(loan.ID)
			}
			delete(ce.loans, loan.ID)
			ce.stats.LoansFullyRepaid++
		}
	}
	ce.generation++
	return spent
}

// CalculateInterestRate derives the effective rate for a prospective loan.
// All terms are additive on the base rate and the result is floored at the
// minimum. A nil profile skips the behavior adjustment entirely.
func (ce *CreditEngine) CalculateInterestRate(durationCycles int, profile *RiskProfileAnalysis, lifetimePL float64, line CreditLineInfo) float64 {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	rate := ce.cfg.BaseInterestRate

	// Behavior adjustment, dampened until a track record exists.
	if profile != nil {
		dampening := math.Min(1, float64(profile.TotalTrades)/float64(ce.cfg.MinTradesForFullImpact))
		if profile.RiskScore <= -34 {
			rate -= ce.cfg.ConservativeRateBonus * dampening
		} else if profile.RiskScore >= 34 {
			rate += ce.cfg.AggressiveRatePenalty * dampening
		}
	}

	// Lifetime realized losses below the threshold cost extra.
	if lifetimePL < ce.cfg.LossThreshold {
		excess := ce.cfg.LossThreshold - lifetimePL
		penalty := excess / 1000 * ce.cfg.LossPenaltyPerThousand
		rate += math.Min(penalty, ce.cfg.LossPenaltyCap)
	}

	// Tiered utilization surcharge; the highest applicable tier wins.
	switch {
	case line.UtilizationOfMax >= ce.cfg.UtilizationTier3:
		rate += ce.cfg.UtilizationTier3Surcharge
	case line.UtilizationOfMax >= ce.cfg.UtilizationTier2:
		rate += ce.cfg.UtilizationTier2Surcharge
	case line.UtilizationOfMax >= ce.cfg.UtilizationTier1:
		rate += ce.cfg.UtilizationTier1Surcharge
	}

	// The first loan is free of the per-loan penalty.
	if extra := len(ce.loans) - 1; extra > 0 {
		rate += float64(extra) * ce.cfg.PerAdditionalLoanPenalty
	}

	// Credit standing, asymmetric around the neutral midpoint.
	neutral := (ce.cfg.MinCreditScore + ce.cfg.MaxCreditScore) / 2
	deviation := ce.creditScore - neutral
	if deviation > 0 {
		rate -= deviation * ce.cfg.CreditScoreBonusPerPoint
	} else {
		rate += -deviation * ce.cfg.CreditScorePenaltyPerPoint
	}

	// Longer commitments earn a stepped discount.
	if durationCycles > ce.cfg.MinDurationForDiscount {
		steps := (durationCycles - ce.cfg.MinDurationForDiscount) / ce.cfg.DurationDiscountStep
		discount := math.Min(float64(steps)*ce.cfg.DurationDiscountPerStep, ce.cfg.MaxDurationDiscount)
		rate -= discount
	}

	return math.Max(rate, ce.cfg.MinInterestRate)
}

// CreditLine derives the borrowing capacity from a collateral valuation,
// current debt and pending loan requests.
func (ce *CreditEngine) CreditLine(collateral CollateralBreakdown, pendingRequests float64) CreditLineInfo {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	debt := 0.0
	for _, loan := range ce.loans {
		debt += loan.Balance
	}
	return DeriveCreditLine(collateral, ce.cfg.CreditLineMultiplier, debt, pendingRequests)
}

// CanTakeLoan reports whether another loan fits the slot limit and the
// requested amount fits the available credit. Detection only; TakeLoan does
// not enforce it.
func (ce *CreditEngine) CanTakeLoan(amount float64, line CreditLineInfo) bool {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	if ce.cfg.MaxLoanSlots > 0 && len(ce.loans) >= ce.cfg.MaxLoanSlots {
		return false
	}
	return amount <= line.AvailableCredit
}

// MarkMaturityWarning records that the maturity warning for a loan has been
// surfaced, so it is shown at most once.
func (ce *CreditEngine) MarkMaturityWarning(loanID uint64) {
	ce.mu.Lock()
	defer ce.mu.Unlock()

	if loan, exists := ce.loans[loanID]; exists {
		shown := true
		loan.WarningShown = &shown
		ce.generation++
	}
}

// LoansNeedingWarning returns loans close enough to maturity to warn about
// that have not been warned yet.
func (ce *CreditEngine) LoansNeedingWarning() []*Loan {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	var due []*Loan
	for _, loan := range ce.sortedLoansLocked() {
		if loan.IsOverdue || loan.RemainingCycles > ce.cfg.MaturityWarningCycles {
			continue
		}
		if loan.WarningShown != nil && *loan.WarningShown {
			continue
		}
		due = append(due, loan)
	}
	return due
}

// Loan returns an active loan by id, or nil.
func (ce *CreditEngine) Loan(loanID uint64) *Loan {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.loans[loanID]
}

// ActiveLoans returns the active loans ordered by loan number.
func (ce *CreditEngine) ActiveLoans() []*Loan {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.sortedLoansLocked()
}

// MaturedLoans returns non-overdue loans whose term has run out and which
// therefore need maturity processing.
func (ce *CreditEngine) MaturedLoans() []*Loan {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	var matured []*Loan
	for _, loan := range ce.sortedLoansLocked() {
		if !loan.IsOverdue && loan.RemainingCycles <= 0 {
			matured = append(matured, loan)
		}
	}
	return matured
}

// TotalDebt sums the balances of all active loans.
func (ce *CreditEngine) TotalDebt() float64 {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	total := 0.0
	for _, loan := range ce.loans {
		total += loan.Balance
	}
	return total
}

// CreditScore returns the current bounded score.
func (ce *CreditEngine) CreditScore() float64 {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.creditScore
}

// Events returns the append-only credit history.
func (ce *CreditEngine) Events() []CreditScoreEvent {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	out := make([]CreditScoreEvent, len(ce.events))
	copy(out, ce.events)
	return out
}

// Delinquencies returns all delinquency records, open and resolved.
func (ce *CreditEngine) Delinquencies() []DelinquencyRecord {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	out := make([]DelinquencyRecord, len(ce.delinquencies))
	for i, rec := range ce.delinquencies {
		out[i] = *rec
	}
	return out
}

// Stats returns the cumulative lending statistics.
func (ce *CreditEngine) Stats() CreditStats {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.stats
}

// adjustScore applies a bounded score change and records the event.
// Callers hold the lock.
func (ce *CreditEngine) adjustScore(eventType CreditEventType, change float64, loanID uint64, description string) {
	before := ce.creditScore
	ce.creditScore = clamp(ce.creditScore+change, ce.cfg.MinCreditScore, ce.cfg.MaxCreditScore)
	ce.recordEvent(eventType, ce.creditScore-before, loanID, description)
}

func (ce *CreditEngine) recordEvent(eventType CreditEventType, change float64, loanID uint64, description string) {
	ce.events = append(ce.events, CreditScoreEvent{
		Type:        eventType,
		Change:      change,
		LoanID:      loanID,
		Timestamp:   time.Now(),
		Description: description,
	})
}

func (ce *CreditEngine) openDelinquency(loanID uint64) *DelinquencyRecord {
	for i := len(ce.delinquencies) - 1; i >= 0; i-- {
		rec := ce.delinquencies[i]
		if rec.LoanID == loanID && rec.ResolvedAt == nil {
			return rec
		}
	}
	return nil
}

func (ce *CreditEngine) resolveDelinquency(loanID uint64) {
	if rec := ce.openDelinquency(loanID); rec != nil {
		now := time.Now()
		rec.ResolvedAt = &now
	}
}

func (ce *CreditEngine) sortedLoansLocked() []*Loan {
	loans := make([]*Loan, 0, len(ce.loans))
	for _, loan := range ce.loans {
		loans = append(loans, loan)
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].LoanNumber < loans[j].LoanNumber })
	return loans
}
