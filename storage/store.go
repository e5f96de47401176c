package storage

import (
	"context"
	"fmt"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION STORE - canonical position state
// ═══════════════════════════════════════════════════════════════════════════════
//
// The store exclusively owns position state. Executors hold working copies for
// the duration of one workflow and commit transitions through:
//
//   Create      nonexistent → OPEN       (refuses if any record exists)
//   TryAcquire  OPEN → CLOSING           (compare-and-swap, false on mismatch)
//   Upsert      CLOSING → CLOSED | OPEN  (entry price is immutable)
//   Remove      after a confirmed exit
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store is implemented by FileStore and SQLStore.
type Store interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, instrument types.Instrument) (*types.Position, error)
	Create(ctx context.Context, pos types.Position) error
	Upsert(ctx context.Context, pos types.Position) error
	TryAcquire(ctx context.Context, instrument types.Instrument, from, to types.PositionStatus) (bool, error)
	Remove(ctx context.Context, instrument types.Instrument) error
	ListOpen(ctx context.Context) ([]types.Position, error)
	List(ctx context.Context) ([]types.Position, error)
	Close() error
}

// Validate reports whether pos is a well-formed record.
func Validate(pos types.Position) error {
	switch {
	case pos.Instrument == "":
		return fmt.Errorf("%w: empty instrument", types.ErrPositionCorrupt)
	case !pos.Status.Valid():
		return fmt.Errorf("%w: %s: unknown status %q", types.ErrPositionCorrupt, pos.Instrument.Short(), pos.Status)
	case !pos.EntryPrice.IsPositive():
		return fmt.Errorf("%w: %s: entry price %s", types.ErrPositionCorrupt, pos.Instrument.Short(), pos.EntryPrice)
	case pos.Amount.IsNegative():
		return fmt.Errorf("%w: %s: negative amount", types.ErrPositionCorrupt, pos.Instrument.Short())
	case pos.EntryTimestamp.IsZero():
		return fmt.Errorf("%w: %s: missing entry timestamp", types.ErrPositionCorrupt, pos.Instrument.Short())
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStorageFailure, op, err)
}
