package sx

import (
	"math"
	"time"
)

// RiskCategory buckets a trader's behavior.
type RiskCategory int

const (
	Conservative RiskCategory = iota
	Moderate
	Aggressive
)

func (c RiskCategory) String() string {
	switch c {
	case Conservative:
		return "conservative"
	case Aggressive:
		return "aggressive"
	default:
		return "moderate"
	}
}

// RiskConfig sets the scoring weights of the risk profile analyzer.
type RiskConfig struct {
	MinTrades         int     `json:"minTrades"`
	CategoryThreshold float64 `json:"categoryThreshold"`

	LowPositionSizePercent  float64 `json:"lowPositionSizePercent"`
	SmallPositionPenalty    float64 `json:"smallPositionPenalty"`
	HighPositionSizePercent float64 `json:"highPositionSizePercent"`
	ExcessPositionWeight    float64 `json:"excessPositionWeight"`
	PositionTermCap         float64 `json:"positionTermCap"`

	TradeFrequencyWeight float64 `json:"tradeFrequencyWeight"`
	FrequencyTermCap     float64 `json:"frequencyTermCap"`

	ShortHoldingDuration time.Duration `json:"shortHoldingDuration"`
	ShortHoldingScore    float64       `json:"shortHoldingScore"`
	LongHoldingDuration  time.Duration `json:"longHoldingDuration"`
	LongHoldingScore     float64       `json:"longHoldingScore"`

	DeepLossPercent     float64 `json:"deepLossPercent"`
	LossToleranceWeight float64 `json:"lossToleranceWeight"`
	LossToleranceCap    float64 `json:"lossToleranceCap"`
	SmallLossPercent    float64 `json:"smallLossPercent"`
	StopDisciplineScore float64 `json:"stopDisciplineScore"`
}

// DefaultRiskConfig returns the standard analyzer weights.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MinTrades:         2,
		CategoryThreshold: 34,

		LowPositionSizePercent:  5,
		SmallPositionPenalty:    15,
		HighPositionSizePercent: 25,
		ExcessPositionWeight:    0.8,
		PositionTermCap:         30,

		TradeFrequencyWeight: 0.5,
		FrequencyTermCap:     20,

		ShortHoldingDuration: 10 * time.Minute,
		ShortHoldingScore:    15,
		LongHoldingDuration:  72 * time.Hour,
		LongHoldingScore:     15,

		DeepLossPercent:     15,
		LossToleranceWeight: 1.0,
		LossToleranceCap:    20,
		SmallLossPercent:    5,
		StopDisciplineScore: 10,
	}
}

// RiskProfileAnalysis is derived from trade history on demand, never stored.
// WinLossRatio is +Inf when there are wins and no losses; consumers render
// that case specially.
type RiskProfileAnalysis struct {
	RiskScore               float64       `json:"riskScore"`
	Category                RiskCategory  `json:"category"`
	AvgPositionSizePercent  float64       `json:"avgPositionSizePercent"`
	AvgHoldingDuration      time.Duration `json:"avgHoldingDuration"`
	TotalTrades             int           `json:"totalTrades"`
	WinLossRatio            float64       `json:"winLossRatio"`
	AvgWin                  float64       `json:"avgWin"`
	AvgLoss                 float64       `json:"avgLoss"`
	TotalRealizedProfitLoss float64       `json:"totalRealizedProfitLoss"`
}

// RiskProfileAnalyzer classifies trading behavior into a signed score in
// [-100, 100]: negative is conservative, positive is aggressive.
type RiskProfileAnalyzer struct {
	cfg RiskConfig
}

// NewRiskProfileAnalyzer creates an analyzer with the given weights.
func NewRiskProfileAnalyzer(cfg RiskConfig) *RiskProfileAnalyzer {
	return &RiskProfileAnalyzer{cfg: cfg}
}

// Analyze scores the given trade history. The second return is false when
// there are fewer than the minimum number of trades and no signal exists.
func (a *RiskProfileAnalyzer) Analyze(trades []TradeRecord) (*RiskProfileAnalysis, bool) {
	if len(trades) < a.cfg.MinTrades {
		return nil, false
	}

	analysis := &RiskProfileAnalysis{TotalTrades: len(trades)}

	var sizeSum float64
	var holdSum time.Duration
	for _, t := range trades {
		sizeSum += t.PositionSizePercent
		holdSum += t.HoldingDuration
	}
	analysis.AvgPositionSizePercent = sizeSum / float64(len(trades))
	analysis.AvgHoldingDuration = holdSum / time.Duration(len(trades))

	// Win/loss stats only cover sell trades that realized a P/L.
	var wins, losses int
	var winSum, lossSum, lossPctSum float64
	for _, t := range trades {
		if t.Side != Sell || t.RealizedPL == nil {
			continue
		}
		pl := *t.RealizedPL
		analysis.TotalRealizedProfitLoss += pl
		if pl > 0 {
			wins++
			winSum += pl
		} else if pl < 0 {
			losses++
			lossSum += pl
			if basis := t.Price*t.Shares - pl; basis > 0 {
				lossPctSum += -pl / basis * 100
			}
		}
	}
	if wins > 0 {
		analysis.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		analysis.AvgLoss = lossSum / float64(losses)
		analysis.WinLossRatio = float64(wins) / float64(losses)
	} else if wins > 0 {
		analysis.WinLossRatio = math.Inf(1)
	}

	score := a.positionSizeTerm(analysis.AvgPositionSizePercent)
	score += a.frequencyTerm(len(trades))
	score += a.holdingDurationTerm(analysis.AvgHoldingDuration)
	score += a.lossToleranceTerm(losses, lossPctSum)

	analysis.RiskScore = clamp(score, -100, 100)
	switch {
	case analysis.RiskScore <= -a.cfg.CategoryThreshold:
		analysis.Category = Conservative
	case analysis.RiskScore >= a.cfg.CategoryThreshold:
		analysis.Category = Aggressive
	default:
		analysis.Category = Moderate
	}
	return analysis, true
}

func (a *RiskProfileAnalyzer) positionSizeTerm(avgPercent float64) float64 {
	if avgPercent < a.cfg.LowPositionSizePercent {
		return -a.cfg.SmallPositionPenalty
	}
	if avgPercent > a.cfg.HighPositionSizePercent {
		excess := (avgPercent - a.cfg.HighPositionSizePercent) * a.cfg.ExcessPositionWeight
		return math.Min(excess, a.cfg.PositionTermCap)
	}
	return 0
}

func (a *RiskProfileAnalyzer) frequencyTerm(totalTrades int) float64 {
	return math.Min(float64(totalTrades)*a.cfg.TradeFrequencyWeight, a.cfg.FrequencyTermCap)
}

func (a *RiskProfileAnalyzer) holdingDurationTerm(avg time.Duration) float64 {
	if avg <= 0 {
		return 0
	}
	if avg < a.cfg.ShortHoldingDuration {
		return a.cfg.ShortHoldingScore // day-trading behavior
	}
	if avg > a.cfg.LongHoldingDuration {
		return -a.cfg.LongHoldingScore
	}
	return 0
}

func (a *RiskProfileAnalyzer) lossToleranceTerm(losses int, lossPctSum float64) float64 {
	if losses == 0 {
		return 0
	}
	avgLossPct := lossPctSum / float64(losses)
	if avgLossPct >= a.cfg.DeepLossPercent {
		// Riding losses deep into the red is risk-seeking.
		excess := (avgLossPct - a.cfg.DeepLossPercent) * a.cfg.LossToleranceWeight
		return math.Min(excess, a.cfg.LossToleranceCap)
	}
	if avgLossPct <= a.cfg.SmallLossPercent {
		// Small realized losses indicate stop-loss discipline.
		return -a.cfg.StopDisciplineScore
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
