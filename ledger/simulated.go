package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/types"
)

// Simulated is the paper-trading ledger: every submission confirms after a
// fixed latency. Payloads built by swap.Simulated are settled into an
// in-memory wallet so TokenBalance reports what the paper trades bought.
type Simulated struct {
	latency time.Duration

	mu        sync.Mutex
	submitted map[types.TxRef]submission
	holdings  map[types.Instrument]decimal.Decimal
}

type submission struct {
	at      time.Time
	fill    *paperFill
	settled bool
}

// paperFill is the quote echoed back by swap.Simulated.Build.
type paperFill struct {
	InputMint  types.Instrument `json:"inputMint"`
	OutputMint types.Instrument `json:"outputMint"`
	InAmount   decimal.Decimal  `json:"inAmount"`
	OutAmount  decimal.Decimal  `json:"outAmount"`
}

// NewSimulated creates a paper ledger.
func NewSimulated(latency time.Duration) *Simulated {
	return &Simulated{
		latency:   latency,
		submitted: make(map[types.TxRef]submission),
		holdings:  make(map[types.Instrument]decimal.Decimal),
	}
}

func (s *Simulated) Submit(_ context.Context, payload types.SignedPayload) (types.TxRef, error) {
	ref := types.TxRef("SIM_" + uuid.NewString())

	sub := submission{at: time.Now()}
	var fill paperFill
	if err := json.Unmarshal(payload, &fill); err == nil && fill.OutputMint != "" {
		sub.fill = &fill
	}

	s.mu.Lock()
	s.submitted[ref] = sub
	s.mu.Unlock()

	log.Info().Str("ref", string(ref)).Int("bytes", len(payload)).Msg("📝 DRY RUN: Transaction would be submitted")
	return ref, nil
}

func (s *Simulated) Confirm(ctx context.Context, ref types.TxRef, timeout time.Duration) (types.ConfirmStatus, error) {
	s.mu.Lock()
	sub, ok := s.submitted[ref]
	s.mu.Unlock()
	if !ok {
		return types.ConfirmFailed, nil
	}

	wait := time.Until(sub.at.Add(s.latency))
	if wait > timeout {
		wait = timeout
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if s.latency > timeout {
		return types.ConfirmTimedOut, nil
	}

	s.settle(ref)
	return types.ConfirmConfirmed, nil
}

// settle applies a confirmed fill once. Sells never drive a balance below
// zero: positions restored from disk were bought by an earlier process.
func (s *Simulated) settle(ref types.TxRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.submitted[ref]
	if sub.fill == nil || sub.settled {
		return
	}
	sub.settled = true
	s.submitted[ref] = sub

	f := sub.fill
	if f.OutputMint != types.WrappedSOL {
		s.holdings[f.OutputMint] = s.holdings[f.OutputMint].Add(f.OutAmount)
	}
	if f.InputMint != types.WrappedSOL {
		left := s.holdings[f.InputMint].Sub(f.InAmount)
		if !left.IsPositive() {
			delete(s.holdings, f.InputMint)
		} else {
			s.holdings[f.InputMint] = left
		}
	}
}

// TokenBalance returns the paper holdings of mint. owner is ignored; there is
// one simulated wallet.
func (s *Simulated) TokenBalance(_ context.Context, _ string, mint types.Instrument) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdings[mint], nil
}
