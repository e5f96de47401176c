package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/pumpbot/metrics"
	"github.com/web3guy0/pumpbot/risk"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR - TP/SL on open positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per open position, independently:
//   quote(amount → SOL) → pnl ratio → CheckExit
//   → TryAcquire(OPEN → CLOSING)   lost race: skip
//   → execute sell
//        ok:         Upsert(CLOSED) → Remove
//        failed:     Upsert(OPEN)              retried next cycle
//        ambiguous:  Upsert(OPEN) + alert
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultMaxConcurrentExits bounds the per-cycle fan-out.
const DefaultMaxConcurrentExits = 4

// ExitMonitor checks open positions against the exit rules.
type ExitMonitor struct {
	store    storage.Store
	exec     *Executor
	rules    risk.ExitRules
	journal  TradeJournal
	notifier Notifier
	limit    int
	now      func() time.Time
}

// NewExitMonitor wires an exit monitor. journal may be nil.
func NewExitMonitor(store storage.Store, exec *Executor, rules risk.ExitRules, journal TradeJournal, notifier Notifier, maxConcurrent int) *ExitMonitor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentExits
	}
	return &ExitMonitor{
		store:    store,
		exec:     exec,
		rules:    rules,
		journal:  journal,
		notifier: notifier,
		limit:    maxConcurrent,
		now:      time.Now,
	}
}

// RunCycle checks every open position once. Only a failure to list the store
// is returned; per-position problems are logged and retried next cycle.
func (m *ExitMonitor) RunCycle(ctx context.Context) error {
	positions, err := m.store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(len(positions)))
	if len(positions) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(m.limit)
	for _, pos := range positions {
		pos := pos
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			m.check(ctx, pos)
			return nil
		})
	}
	return g.Wait()
}

func (m *ExitMonitor) check(ctx context.Context, pos types.Position) {
	logger := log.With().Str("instrument", pos.Instrument.String()).Logger()

	if !pos.Amount.IsPositive() {
		logger.Warn().Msg("Position has no token amount, cannot price exit")
		return
	}

	route, err := m.exec.swap.Quote(ctx, pos.Instrument, types.WrappedSOL, pos.Amount)
	if err != nil {
		logger.Warn().Err(err).Msg("Exit quote failed")
		return
	}
	if route == nil {
		logger.Debug().Msg("No exit route")
		return
	}

	exitPrice := route.OutAmount.Div(pos.Amount)
	ratio := risk.PnLRatio(exitPrice, pos.EntryPrice)

	shouldExit, reason := m.rules.CheckExit(ratio, pos.EntryTimestamp, m.now())
	logger.Debug().
		Str("ratio", ratio.StringFixed(4)).
		Str("value_sol", lamportsToSOL(route.OutAmount)).
		Msg("Position checked")
	if !shouldExit {
		return
	}

	acquired, err := m.store.TryAcquire(ctx, pos.Instrument, types.StatusOpen, types.StatusClosing)
	if err != nil {
		logger.Error().Err(err).Msg("Exit acquisition failed")
		return
	}
	if !acquired {
		logger.Debug().Str("reason", reason).Msg("Exit already claimed elsewhere")
		metrics.Exits.WithLabelValues(reason, "skipped").Inc()
		return
	}

	logger.Info().Str("reason", reason).Str("ratio", ratio.StringFixed(4)).Msg("🎯 Exit triggered")

	ref, err := m.exec.Execute(ctx, route)

	// From here every store write must land even if ctx is cancelled.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		m.revert(writeCtx, pos, reason, ref, err)
		return
	}

	m.close(writeCtx, pos, reason, ref, exitPrice, ratio, route.OutAmount)
}

func (m *ExitMonitor) close(ctx context.Context, pos types.Position, reason string, ref types.TxRef, exitPrice, ratio, value decimal.Decimal) {
	logger := log.With().Str("instrument", pos.Instrument.String()).Logger()
	now := m.now()

	closed := pos.Clone()
	closed.Status = types.StatusClosed
	closed.ExitPrice = &exitPrice
	exitRef := string(ref)
	closed.ExitTxRef = &exitRef
	closed.ExitReason = reason
	closed.UpdatedAt = now

	if err := m.store.Upsert(ctx, closed); err != nil {
		// Left CLOSING: startup reconciliation will surface it.
		logger.Error().Err(err).Str("ref", exitRef).Msg("🚨 Sell confirmed but close could not be recorded")
		m.notifier.Send(fmt.Sprintf("🚨 *UNRECORDED SELL* `%s`\ntx `%s`\n%v\nPosition left CLOSING.", pos.Instrument, ref, err))
		metrics.Exits.WithLabelValues(reason, "unrecorded").Inc()
		return
	}
	if err := m.store.Remove(ctx, pos.Instrument); err != nil {
		logger.Error().Err(err).Msg("Closed position could not be removed")
	}

	if m.journal != nil {
		err := m.journal.Record(ctx, types.TradeRecord{
			Instrument: pos.Instrument,
			Action:     reason,
			Price:      exitPrice,
			Amount:     pos.Amount,
			Value:      value,
			PnLRatio:   ratio,
			TxRef:      exitRef,
			Timestamp:  now,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Journal write failed")
		}
	}

	emoji := "🔴"
	if ratio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		emoji = "💰"
	}
	logger.Info().
		Str("reason", reason).
		Str("ratio", ratio.StringFixed(4)).
		Str("ref", exitRef).
		Msg(emoji + " Position closed")
	m.notifier.Send(fmt.Sprintf("%s *SELL* `%s` (%s)\nReturned: %s SOL\nRatio: %sx\ntx `%s`",
		emoji, pos.Instrument, reason, lamportsToSOL(value), ratio.StringFixed(2), ref))
	metrics.Exits.WithLabelValues(reason, "closed").Inc()
}

// revert hands the position back to the next cycle.
func (m *ExitMonitor) revert(ctx context.Context, pos types.Position, reason string, ref types.TxRef, cause error) {
	logger := log.With().Str("instrument", pos.Instrument.String()).Logger()

	reopened := pos.Clone()
	reopened.Status = types.StatusOpen
	reopened.UpdatedAt = m.now()
	if err := m.store.Upsert(ctx, reopened); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("🚨 Exit failed and position could not be reopened")
		m.notifier.Send(fmt.Sprintf("🚨 *STUCK CLOSING* `%s`\n%v\nRevert failed: %v", pos.Instrument, cause, err))
		metrics.Exits.WithLabelValues(reason, "stuck").Inc()
		return
	}

	if errors.Is(cause, types.ErrAmbiguousOutcome) {
		logger.Error().Err(cause).Str("ref", string(ref)).Msg("🚨 Sell outcome unknown, position reopened")
		m.notifier.Send(fmt.Sprintf("🚨 *SELL UNCONFIRMED* `%s`\ntx `%s`\nPosition reopened for retry. Check the wallet before the next cycle sells again.", pos.Instrument, ref))
		metrics.Exits.WithLabelValues(reason, "ambiguous").Inc()
		return
	}

	logger.Warn().Err(cause).Msg("⚠️ Exit failed, position reopened")
	m.notifier.Send(fmt.Sprintf("⚠️ *SELL FAILED* `%s` (%s)\n%v\nWill retry next cycle.", pos.Instrument, reason, cause))
	metrics.Exits.WithLabelValues(reason, "reverted").Inc()
}
