package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RAYDIUM FEED - new AMM pools
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET <pools url>   [{"baseMint", "liquidity", "volume24h", "openTime"}]
//                     or {"data": [...]}
//
// A pool is screened once, when it is between minAge and maxAge old. Pools
// without an open time are aged from the first poll that listed them.
//
// ═══════════════════════════════════════════════════════════════════════════════

type raydiumPool struct {
	BaseMint  string          `json:"baseMint"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Volume24h decimal.Decimal `json:"volume24h"`
	OpenTime  decimal.Decimal `json:"openTime"` // unix seconds
}

// RaydiumFeed discovers tokens from a Raydium pool listing.
type RaydiumFeed struct {
	client *exec.Client
	url    string
	stats  *StatsClient
	minAge time.Duration
	maxAge time.Duration
	limit  int

	mu        sync.Mutex
	firstSeen map[types.Instrument]time.Time
	screened  map[types.Instrument]time.Time
}

// NewRaydiumFeed creates a pool scanner. limit caps the enrichments per poll.
func NewRaydiumFeed(client *exec.Client, poolsURL string, stats *StatsClient, minAge, maxAge time.Duration, limit int) *RaydiumFeed {
	if limit <= 0 {
		limit = 20
	}
	return &RaydiumFeed{
		client:    client,
		url:       poolsURL,
		stats:     stats,
		minAge:    minAge,
		maxAge:    maxAge,
		limit:     limit,
		firstSeen: make(map[types.Instrument]time.Time),
		screened:  make(map[types.Instrument]time.Time),
	}
}

func (r *RaydiumFeed) Name() string { return "raydium" }

func (r *RaydiumFeed) Poll(ctx context.Context) ([]types.CandidateSnapshot, error) {
	var raw json.RawMessage
	if err := r.client.GetJSON(ctx, "pools", r.url, nil, &raw); err != nil {
		return nil, err
	}
	pools, err := decodePools(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	due := r.due(pools, now)

	out := make([]types.CandidateSnapshot, 0, len(due))
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		snap, err := r.stats.Snapshot(ctx, d.inst, d.createdAt, r.Name())
		if err != nil {
			// Transient failures leave the pool unscreened for the next poll.
			if !errors.Is(err, types.ErrTransientUnavailable) {
				r.markScreened(d.inst, now)
			}
			log.Debug().Err(err).Str("instrument", d.inst.String()).Msg("Enrichment failed, skipping pool")
			continue
		}
		if snap.Liquidity.IsZero() {
			snap.Liquidity = d.pool.Liquidity
		}
		if snap.Volume24h.IsZero() {
			snap.Volume24h = d.pool.Volume24h
		}
		r.markScreened(d.inst, now)
		out = append(out, snap)
	}
	return out, nil
}

type duePool struct {
	inst      types.Instrument
	createdAt time.Time
	pool      raydiumPool
}

// due picks the pools to screen this poll and prunes stale bookkeeping.
func (r *RaydiumFeed) due(pools []raydiumPool, now time.Time) []duePool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for inst, at := range r.firstSeen {
		if now.Sub(at) > firstSeenRetention {
			delete(r.firstSeen, inst)
		}
	}
	for inst, at := range r.screened {
		if now.Sub(at) > firstSeenRetention {
			delete(r.screened, inst)
		}
	}

	var out []duePool
	for _, p := range pools {
		if p.BaseMint == "" || types.Instrument(p.BaseMint) == types.WrappedSOL {
			continue
		}
		inst := types.Instrument(p.BaseMint)
		if _, done := r.screened[inst]; done {
			continue
		}

		createdAt, ok := r.firstSeen[inst]
		if !ok {
			createdAt = now
			if p.OpenTime.IsPositive() {
				createdAt = time.Unix(p.OpenTime.IntPart(), 0)
			}
			r.firstSeen[inst] = createdAt
		}

		age := now.Sub(createdAt)
		if age < r.minAge || (r.maxAge > 0 && age > r.maxAge) {
			continue
		}
		if len(out) >= r.limit {
			break
		}
		out = append(out, duePool{inst: inst, createdAt: createdAt, pool: p})
	}
	return out
}

func (r *RaydiumFeed) markScreened(inst types.Instrument, at time.Time) {
	r.mu.Lock()
	r.screened[inst] = at
	r.mu.Unlock()
}

// decodePools accepts a bare pool array or one wrapped in {"data": [...]}.
func decodePools(raw json.RawMessage) ([]raydiumPool, error) {
	var pools []raydiumPool
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &pools); err != nil {
			return nil, fmt.Errorf("decode pools: %w", err)
		}
		return pools, nil
	}

	var wrapped struct {
		Data []raydiumPool `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode pools: %w", err)
	}
	return wrapped.Data, nil
}
