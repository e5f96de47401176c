package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Build → submit → confirm for a quoted route
// ═══════════════════════════════════════════════════════════════════════════════
//
// Outcome mapping:
//   build/submit error         → error (nothing landed)
//   confirmed                  → TxRef, nil
//   failed on chain            → types.ErrTxFailed
//   confirm timeout / aborted  → types.ErrAmbiguousOutcome (may have landed)
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultConfirmTimeout bounds the wait for a submitted transaction.
const DefaultConfirmTimeout = 60 * time.Second

// Executor runs a single swap on the ledger. It is shared by the entry and
// exit paths so both treat outcomes the same way.
type Executor struct {
	swap           SwapProvider
	ledger         Ledger
	confirmTimeout time.Duration
}

// NewExecutor creates an executor.
func NewExecutor(swap SwapProvider, ledger Ledger, confirmTimeout time.Duration) *Executor {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	return &Executor{swap: swap, ledger: ledger, confirmTimeout: confirmTimeout}
}

// Execute builds, submits and confirms route. On ErrAmbiguousOutcome the
// returned TxRef is the submitted signature, for the operator to look up.
func (e *Executor) Execute(ctx context.Context, route *types.Route) (types.TxRef, error) {
	payload, err := e.swap.Build(ctx, route)
	if err != nil {
		return "", fmt.Errorf("build swap: %w", err)
	}

	ref, err := e.ledger.Submit(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	log.Info().
		Str("ref", string(ref)).
		Str("in", route.InputMint.Short()).
		Str("out", route.OutputMint.Short()).
		Msg("📤 Transaction submitted")

	status, err := e.ledger.Confirm(ctx, ref, e.confirmTimeout)
	if err != nil {
		// Submitted but status unknown.
		return ref, fmt.Errorf("confirm %s: %w: %w", ref, types.ErrAmbiguousOutcome, err)
	}

	switch status {
	case types.ConfirmConfirmed:
		log.Info().Str("ref", string(ref)).Msg("✅ Transaction confirmed")
		return ref, nil
	case types.ConfirmFailed:
		return ref, fmt.Errorf("transaction %s: %w", ref, types.ErrTxFailed)
	default:
		return ref, fmt.Errorf("transaction %s unconfirmed after %s: %w", ref, e.confirmTimeout, types.ErrAmbiguousOutcome)
	}
}
