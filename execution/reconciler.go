package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// The store is authoritative after a crash. On startup:
//   OPEN     resume monitoring
//   CLOSING  crashed mid-exit: reopen and alert, the sell may have landed
//   CLOSED   crashed between close and remove: remove
//
// ═══════════════════════════════════════════════════════════════════════════════

// Report summarises a recovery pass.
type Report struct {
	Open     int
	Reopened int
	Removed  int
}

// Reconciler handles startup position recovery
type Reconciler struct {
	store    storage.Store
	notifier Notifier
}

// NewReconciler creates a position reconciler
func NewReconciler(store storage.Store, notifier Notifier) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{store: store, notifier: notifier}
}

// RecoverPositions brings every persisted record back to a state the monitor
// can act on. It must run before the exit monitor starts.
func (r *Reconciler) RecoverPositions(ctx context.Context) (Report, error) {
	var rep Report

	persisted, err := r.store.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("❌ Failed to load persisted positions")
		return rep, err
	}
	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return rep, nil
	}

	for _, pos := range persisted {
		switch pos.Status {
		case types.StatusOpen:
			rep.Open++
			log.Info().
				Str("instrument", pos.Instrument.String()).
				Str("entry_price", pos.EntryPrice.String()).
				Time("opened_at", pos.EntryTimestamp).
				Msg("📥 Recovered position")

		case types.StatusClosing:
			reopened := pos.Clone()
			reopened.Status = types.StatusOpen
			reopened.UpdatedAt = time.Now()
			if err := r.store.Upsert(ctx, reopened); err != nil {
				return rep, fmt.Errorf("reopen %s: %w", pos.Instrument, err)
			}
			rep.Reopened++
			log.Warn().
				Str("instrument", pos.Instrument.String()).
				Msg("⚠️ Position was mid-exit at shutdown, reopened")
			r.notifier.Send(fmt.Sprintf("⚠️ *RECONCILE* `%s`\nWas closing when the bot stopped. Reopened; verify the wallet still holds it.", pos.Instrument))

		case types.StatusClosed:
			if err := r.store.Remove(ctx, pos.Instrument); err != nil {
				return rep, fmt.Errorf("remove closed %s: %w", pos.Instrument, err)
			}
			rep.Removed++
			log.Info().Str("instrument", pos.Instrument.String()).Msg("🧹 Removed closed position")
		}
	}

	log.Info().
		Int("open", rep.Open).
		Int("reopened", rep.Reopened).
		Int("removed", rep.Removed).
		Msg("✅ Position recovery complete")

	return rep, nil
}
