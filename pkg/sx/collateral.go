package sx

import "math"

// CollateralConfig sets the weighting of holdings toward eligible
// collateral. Issuers whose market capitalization meets the threshold count
// at the large-cap ratio, everything else at the small-cap ratio.
type CollateralConfig struct {
	LargeCapRatio             float64 `json:"largeCapRatio"`
	SmallCapRatio             float64 `json:"smallCapRatio"`
	LargeCapThresholdBillions float64 `json:"largeCapThresholdBillions"`
}

// DefaultCollateralConfig returns the standard collateral weighting.
func DefaultCollateralConfig() CollateralConfig {
	return CollateralConfig{
		LargeCapRatio:             0.70,
		SmallCapRatio:             0.50,
		LargeCapThresholdBillions: 10,
	}
}

// CollateralBreakdown is the result of a collateral valuation.
type CollateralBreakdown struct {
	LargeCapStocks float64 `json:"largeCapStocks"`
	SmallCapStocks float64 `json:"smallCapStocks"`
	BaseCollateral float64 `json:"baseCollateral"`
	Total          float64 `json:"total"`
}

// ValueCollateral computes eligible collateral from holdings and current
// prices. Cash is never collateral and contributes zero regardless of the
// amount passed; it is accepted only so callers hand over the full account
// picture. The base collateral is a fixed amount derived elsewhere from
// starting capital and is purely additive: it raises borrowing capacity
// without counting toward net worth.
func ValueCollateral(cfg CollateralConfig, cash float64, holdings map[string]Holding, prices map[string]Quote, baseCollateral float64) CollateralBreakdown {
	_ = cash

	breakdown := CollateralBreakdown{BaseCollateral: baseCollateral}
	for symbol, holding := range holdings {
		quote, ok := prices[symbol]
		if !ok || holding.Shares <= 0 {
			continue
		}
		marketValue := quote.Price * holding.Shares
		if quote.MarketCapBillions >= cfg.LargeCapThresholdBillions {
			breakdown.LargeCapStocks += marketValue * cfg.LargeCapRatio
		} else {
			breakdown.SmallCapStocks += marketValue * cfg.SmallCapRatio
		}
	}
	breakdown.Total = breakdown.LargeCapStocks + breakdown.SmallCapStocks + breakdown.BaseCollateral
	return breakdown
}

// CreditLineInfo is the derived borrowing and margin capacity.
type CreditLineInfo struct {
	RecommendedCreditLine    float64 `json:"recommendedCreditLine"`
	MaxCreditLine            float64 `json:"maxCreditLine"`
	AvailableCredit          float64 `json:"availableCredit"`
	CurrentDebt              float64 `json:"currentDebt"`
	PendingRequests          float64 `json:"pendingRequests"`
	UtilizationOfMax         float64 `json:"utilizationOfMax"`
	UtilizationOfRecommended float64 `json:"utilizationOfRecommended"`
}

// DeriveCreditLine turns a collateral valuation into a credit line. The
// recommended line floors total collateral to the nearest thousand; the max
// line scales it by the configured multiplier; available credit nets out
// current debt and pending loan requests, floored at zero.
func DeriveCreditLine(collateral CollateralBreakdown, multiplier, currentDebt, pendingRequests float64) CreditLineInfo {
	recommended := math.Floor(collateral.Total/1000) * 1000
	maxLine := recommended * multiplier

	info := CreditLineInfo{
		RecommendedCreditLine: recommended,
		MaxCreditLine:         maxLine,
		AvailableCredit:       math.Max(0, maxLine-(currentDebt+pendingRequests)),
		CurrentDebt:           currentDebt,
		PendingRequests:       pendingRequests,
	}
	used := currentDebt + pendingRequests
	if maxLine > 0 {
		info.UtilizationOfMax = used / maxLine
	}
	if recommended > 0 {
		info.UtilizationOfRecommended = used / recommended
	}
	return info
}
