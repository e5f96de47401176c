package swap

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/types"
)

// Simulated is the paper-trading swap provider. Each instrument gets a
// deterministic starting price (lamports per raw token unit) derived from its
// identifier, and every quote moves it by a bounded random step.
type Simulated struct {
	base       types.Instrument
	volatility float64

	mu     sync.Mutex
	prices map[types.Instrument]decimal.Decimal
	rnd    *rand.Rand
}

// NewSimulated creates a paper provider. volatility is the largest fractional
// move per quote, e.g. 0.1 for ±10 %.
func NewSimulated(volatility float64, seed int64) *Simulated {
	return &Simulated{
		base:       types.WrappedSOL,
		volatility: volatility,
		prices:     make(map[types.Instrument]decimal.Decimal),
		rnd:        rand.New(rand.NewSource(seed)),
	}
}

// SetPrice pins the current price of an instrument.
func (s *Simulated) SetPrice(inst types.Instrument, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[inst] = price
}

func (s *Simulated) Quote(_ context.Context, in, out types.Instrument, amount decimal.Decimal) (*types.Route, error) {
	if !amount.IsPositive() {
		return nil, nil
	}

	var token types.Instrument
	switch {
	case in == s.base && out != s.base:
		token = out
	case out == s.base && in != s.base:
		token = in
	default:
		return nil, nil
	}

	price := s.step(token)
	var outAmt decimal.Decimal
	if in == s.base {
		outAmt = amount.Div(price).Truncate(0)
	} else {
		outAmt = amount.Mul(price).Truncate(0)
	}
	if !outAmt.IsPositive() {
		return nil, nil
	}

	raw, _ := json.Marshal(map[string]string{
		"inputMint":  in.String(),
		"outputMint": out.String(),
		"inAmount":   amount.String(),
		"outAmount":  outAmt.String(),
	})
	return &types.Route{
		InputMint:    in,
		OutputMint:   out,
		InAmount:     amount,
		OutAmount:    outAmt,
		MinOutAmount: outAmt,
		Raw:          raw,
	}, nil
}

// Build returns the quote itself as the payload; ledger.Simulated settles it
// into the paper wallet.
func (s *Simulated) Build(_ context.Context, route *types.Route) (types.SignedPayload, error) {
	log.Debug().
		Str("in", route.InputMint.Short()).
		Str("out", route.OutputMint.Short()).
		Str("amount", route.InAmount.String()).
		Msg("📝 DRY RUN: Swap built")
	return types.SignedPayload(route.Raw), nil
}

func (s *Simulated) step(token types.Instrument) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[token]
	if !ok {
		price = seedPrice(token)
	}
	if s.volatility > 0 {
		move := (s.rnd.Float64()*2 - 1) * s.volatility
		price = price.Mul(decimal.NewFromFloat(1 + move)).Round(18)
	}
	if !price.IsPositive() {
		price = decimal.New(1, -6)
	}
	s.prices[token] = price
	return price
}

// seedPrice maps an instrument to a starting price between 1e-5 and 1e-3
// lamports per raw token unit.
func seedPrice(token types.Instrument) decimal.Decimal {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	bucket := int64(h.Sum64()%99) + 1
	return decimal.New(bucket, -5)
}
