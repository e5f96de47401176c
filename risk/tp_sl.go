package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL RULES - Exit conditions on the live pnl ratio
// ═══════════════════════════════════════════════════════════════════════════════

// Exit reasons, also used as journal actions.
const (
	ExitTakeProfit = "TAKE_PROFIT"
	ExitStopLoss   = "STOP_LOSS"
	ExitMaxHold    = "MAX_HOLD"
)

// ExitRules holds the ratio thresholds of current value over entry value.
type ExitRules struct {
	ProfitTarget decimal.Decimal `toml:"profit_target"` // e.g. 1.5
	StopLoss     decimal.Decimal `toml:"stop_loss"`     // e.g. 0.7
	MaxHold      time.Duration   `toml:"max_hold"`      // 0 disables the time stop
}

// CheckExit determines if a position should be closed.
func (r ExitRules) CheckExit(pnlRatio decimal.Decimal, entryTime, now time.Time) (shouldExit bool, reason string) {
	if pnlRatio.GreaterThanOrEqual(r.ProfitTarget) {
		return true, ExitTakeProfit
	}
	if pnlRatio.LessThanOrEqual(r.StopLoss) {
		return true, ExitStopLoss
	}
	if r.MaxHold > 0 && now.Sub(entryTime) > r.MaxHold {
		return true, ExitMaxHold
	}
	return false, ""
}

// PnLRatio is quoted exit value over cost. A zero cost yields zero.
func PnLRatio(exitValue, cost decimal.Decimal) decimal.Decimal {
	if cost.IsZero() {
		return decimal.Zero
	}
	return exitValue.Div(cost)
}
