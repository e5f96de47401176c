package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ELIGIBILITY FILTER - Candidate screening
// ═══════════════════════════════════════════════════════════════════════════════
//
// Checks run in a fixed order and stop at the first failure:
//   age window → liquidity → holders → top-holder % → market cap → volume
//
// Pure: no I/O, the clock is a parameter.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Rejection reasons.
const (
	ReasonTooYoung     = "Too young"
	ReasonTooOld       = "Too old"
	ReasonLowLiquidity = "Low liquidity"
	ReasonFewHolders   = "Too few holders"
	ReasonConcentrated = "Holder concentration too high"
	ReasonLowMarketCap = "Low market cap"
	ReasonLowVolume    = "Low volume"
)

// Thresholds are the filter policy.
type Thresholds struct {
	MinAge           time.Duration   `toml:"min_age"`
	MaxAge           time.Duration   `toml:"max_age"`
	MinLiquidity     decimal.Decimal `toml:"min_liquidity"`
	MinHolders       int             `toml:"min_holders"`
	MaxConcentration decimal.Decimal `toml:"max_concentration"` // percent, 0-100
	MinMarketCap     decimal.Decimal `toml:"min_market_cap"`
	MinVolume        decimal.Decimal `toml:"min_volume"`
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Eligible bool
	Reason   string
}

// Evaluate screens a candidate snapshot against thresholds at time now.
func Evaluate(s types.CandidateSnapshot, th Thresholds, now time.Time) Verdict {
	age := now.Sub(s.CreatedAt)
	switch {
	case age < th.MinAge:
		return reject(ReasonTooYoung)
	case th.MaxAge > 0 && age > th.MaxAge:
		return reject(ReasonTooOld)
	case s.Liquidity.LessThan(th.MinLiquidity):
		return reject(ReasonLowLiquidity)
	case s.HolderCount < th.MinHolders:
		return reject(ReasonFewHolders)
	case s.TopHolderConcentration.GreaterThan(th.MaxConcentration):
		return reject(ReasonConcentrated)
	case s.MarketCap.LessThan(th.MinMarketCap):
		return reject(ReasonLowMarketCap)
	case s.Volume24h.LessThan(th.MinVolume):
		return reject(ReasonLowVolume)
	}
	return Verdict{Eligible: true}
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}
