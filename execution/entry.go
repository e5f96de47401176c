package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/metrics"
	"github.com/web3guy0/pumpbot/risk"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY EXECUTOR - Open a position on an eligible instrument
// ═══════════════════════════════════════════════════════════════════════════════
//
//   in-flight guard → store.Get → live liquidity → quote → execute
//   → store.Create (durable) → journal → notify
//
// The in-flight set stops a second concurrent entry in this process before any
// network call. store.Get and store.Create are the backstops.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Outcome of an entry attempt.
type Outcome string

const (
	OutcomeBought  Outcome = "bought"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons reported by TryEnter.
const (
	ReasonInFlight = "Entry already in progress"
	ReasonExists   = "Position already exists"
	ReasonNoRoute  = "No route"
)

// EntryResult describes what TryEnter did.
type EntryResult struct {
	Outcome  Outcome
	Position *types.Position // set when Bought
	Reason   string          // set when Skipped
	Err      error           // set when Failed
}

// EntryConfig is the entry policy.
type EntryConfig struct {
	Amount       decimal.Decimal // base-asset raw units spent per entry
	MinLiquidity decimal.Decimal // live floor, same unit as the filter's
	Owner        string          // wallet whose token balance measures the fill
}

// EntryExecutor opens positions.
type EntryExecutor struct {
	cfg      EntryConfig
	store    storage.Store
	exec     *Executor
	probe    LiquidityProbe
	journal  TradeJournal
	notifier Notifier
	now      func() time.Time

	mu       sync.Mutex
	inflight map[types.Instrument]struct{}
}

// NewEntryExecutor wires an entry executor. probe and journal may be nil.
func NewEntryExecutor(cfg EntryConfig, store storage.Store, exec *Executor, probe LiquidityProbe, journal TradeJournal, notifier Notifier) *EntryExecutor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &EntryExecutor{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		probe:    probe,
		journal:  journal,
		notifier: notifier,
		now:      time.Now,
		inflight: make(map[types.Instrument]struct{}),
	}
}

// TryEnter attempts to buy inst. It never returns a position that is not
// already durable in the store.
func (e *EntryExecutor) TryEnter(ctx context.Context, inst types.Instrument) EntryResult {
	if !e.claim(inst) {
		return e.skip(inst, ReasonInFlight)
	}
	defer e.release(inst)

	existing, err := e.store.Get(ctx, inst)
	if err != nil {
		return e.fail(inst, fmt.Errorf("check existing position: %w", err))
	}
	if existing != nil {
		return e.skip(inst, ReasonExists)
	}

	if e.probe != nil {
		liq, err := e.probe.Liquidity(ctx, inst)
		if err != nil {
			return e.fail(inst, fmt.Errorf("liquidity check: %w", err))
		}
		if liq.LessThan(e.cfg.MinLiquidity) {
			return e.skip(inst, fmt.Sprintf("%s (%s < %s)", risk.ReasonLowLiquidity, liq.StringFixed(2), e.cfg.MinLiquidity.StringFixed(2)))
		}
	}

	route, err := e.exec.swap.Quote(ctx, types.WrappedSOL, inst, e.cfg.Amount)
	if err != nil {
		return e.fail(inst, fmt.Errorf("quote: %w", err))
	}
	if route == nil || !route.OutAmount.IsPositive() {
		return e.skip(inst, ReasonNoRoute)
	}

	before, haveBefore := e.holding(ctx, inst)

	ref, err := e.exec.Execute(ctx, route)
	if err != nil {
		if errors.Is(err, types.ErrAmbiguousOutcome) {
			return e.ambiguous(inst, ref, err)
		}
		return e.fail(inst, fmt.Errorf("buy: %w", err))
	}

	// The buy has landed; the record must be written even if we are shutting down.
	writeCtx := context.WithoutCancel(ctx)

	amount := e.filled(writeCtx, inst, route, before, haveBefore)
	now := e.now()
	pos := types.Position{
		Instrument:     inst,
		EntryPrice:     route.InAmount.Div(amount),
		EntryTimestamp: now,
		EntryTxRef:     string(ref),
		Status:         types.StatusOpen,
		Amount:         amount,
		Cost:           route.InAmount,
		UpdatedAt:      now,
	}

	if err := e.store.Create(writeCtx, pos); err != nil {
		log.Error().Err(err).
			Str("instrument", inst.String()).
			Str("ref", string(ref)).
			Msg("🚨 Buy confirmed but position could not be recorded")
		e.notifier.Send(fmt.Sprintf("🚨 *UNRECORDED BUY*\n`%s`\ntx `%s`\n%v\nManual reconciliation required.", inst, ref, err))
		metrics.Entries.WithLabelValues(string(OutcomeFailed)).Inc()
		return EntryResult{Outcome: OutcomeFailed, Err: err}
	}

	if e.journal != nil {
		err := e.journal.Record(writeCtx, types.TradeRecord{
			Instrument: inst,
			Action:     "BUY",
			Price:      pos.EntryPrice,
			Amount:     pos.Amount,
			Value:      pos.Cost,
			TxRef:      string(ref),
			Timestamp:  now,
		})
		if err != nil {
			log.Warn().Err(err).Str("instrument", inst.String()).Msg("Journal write failed")
		}
	}

	log.Info().
		Str("instrument", inst.String()).
		Str("price", pos.EntryPrice.String()).
		Str("amount", pos.Amount.String()).
		Str("ref", string(ref)).
		Msg("🟢 Position opened")
	e.notifier.Send(fmt.Sprintf("🟢 *BUY* `%s`\nSpent: %s SOL\nTokens: %s\ntx `%s`",
		inst, lamportsToSOL(pos.Cost), pos.Amount.String(), ref))
	metrics.Entries.WithLabelValues(string(OutcomeBought)).Inc()

	return EntryResult{Outcome: OutcomeBought, Position: &pos}
}

// holding reads the wallet's balance of inst; ok is false when the ledger
// could not answer.
func (e *EntryExecutor) holding(ctx context.Context, inst types.Instrument) (decimal.Decimal, bool) {
	bal, err := e.exec.ledger.TokenBalance(ctx, e.cfg.Owner, inst)
	if err != nil {
		log.Warn().Err(err).Str("instrument", inst.String()).Msg("Token balance unavailable")
		return decimal.Zero, false
	}
	return bal, true
}

// filled is what the buy delivered: the balance increase when the ledger
// shows one, otherwise the slippage floor of the quote. Sizing from the
// quoted amount would make every sell ask for tokens the wallet lacks.
func (e *EntryExecutor) filled(ctx context.Context, inst types.Instrument, route *types.Route, before decimal.Decimal, haveBefore bool) decimal.Decimal {
	if haveBefore {
		if after, ok := e.holding(ctx, inst); ok && after.GreaterThan(before) {
			return after.Sub(before)
		}
	}

	floor := route.MinOutAmount
	if !floor.IsPositive() || floor.GreaterThan(route.OutAmount) {
		floor = route.OutAmount
	}
	log.Warn().
		Str("instrument", inst.String()).
		Str("amount", floor.String()).
		Msg("Fill not visible on the ledger, sizing from the quote floor")
	return floor
}

func (e *EntryExecutor) claim(inst types.Instrument) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[inst]; busy {
		return false
	}
	e.inflight[inst] = struct{}{}
	return true
}

func (e *EntryExecutor) release(inst types.Instrument) {
	e.mu.Lock()
	delete(e.inflight, inst)
	e.mu.Unlock()
}

func (e *EntryExecutor) skip(inst types.Instrument, reason string) EntryResult {
	log.Info().Str("instrument", inst.String()).Str("reason", reason).Msg("⏭️ Entry skipped")
	e.notifier.Send(fmt.Sprintf("⏭️ *SKIP* `%s`\n%s", inst, reason))
	metrics.Entries.WithLabelValues(string(OutcomeSkipped)).Inc()
	return EntryResult{Outcome: OutcomeSkipped, Reason: reason}
}

func (e *EntryExecutor) fail(inst types.Instrument, err error) EntryResult {
	log.Error().Err(err).Str("instrument", inst.String()).Msg("❌ Entry failed")
	e.notifier.Send(fmt.Sprintf("❌ *BUY FAILED* `%s`\n%v", inst, err))
	metrics.Entries.WithLabelValues(string(OutcomeFailed)).Inc()
	return EntryResult{Outcome: OutcomeFailed, Err: err}
}

// ambiguous reports a buy that may or may not have landed. No position is
// recorded; the operator has to check the ledger.
func (e *EntryExecutor) ambiguous(inst types.Instrument, ref types.TxRef, err error) EntryResult {
	log.Error().Err(err).
		Str("instrument", inst.String()).
		Str("ref", string(ref)).
		Msg("🚨 Buy outcome unknown, no position recorded")
	e.notifier.Send(fmt.Sprintf("🚨 *BUY UNCONFIRMED* `%s`\ntx `%s`\nNo position recorded. Check the wallet manually.", inst, ref))
	metrics.Entries.WithLabelValues("ambiguous").Inc()
	return EntryResult{Outcome: OutcomeFailed, Err: err}
}

func lamportsToSOL(v decimal.Decimal) string {
	return v.Div(decimal.NewFromInt(types.LamportsPerSOL)).StringFixed(4)
}
