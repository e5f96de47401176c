package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HELIUS FEED - new mints from token-launch program activity
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per program, per poll:
//   getSignaturesForAddress(program, until=lastSeen)
//   → getTransaction(jsonParsed) for each successful signature
//   → mints from post-token balances (wrapped SOL excluded)
//
// ═══════════════════════════════════════════════════════════════════════════════

// PumpFunProgram is the pump.fun bonding-curve program.
const PumpFunProgram = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

// HeliusFeed discovers mints by scanning program transactions over JSON-RPC.
type HeliusFeed struct {
	client   *exec.Client
	rpc      *rpc.Client
	stats    *StatsClient
	programs []string
	limit    int

	mu        sync.Mutex
	lastSeen  map[string]string // program → newest signature processed
	firstSeen map[types.Instrument]time.Time
}

// A mint keeps showing up while it trades; its age is measured from the first
// block it was seen in and forgotten after this long.
const firstSeenRetention = 24 * time.Hour

// NewHeliusFeed dials the RPC endpoint.
func NewHeliusFeed(ctx context.Context, rpcURL string, client *exec.Client, stats *StatsClient, programs []string, limit int) (*HeliusFeed, error) {
	rc, err := rpc.DialOptions(ctx, rpcURL, rpc.WithHTTPClient(client.HTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if len(programs) == 0 {
		programs = []string{PumpFunProgram}
	}
	if limit <= 0 {
		limit = 20
	}
	return &HeliusFeed{
		client:    client,
		rpc:       rc,
		stats:     stats,
		programs:  programs,
		limit:     limit,
		lastSeen:  make(map[string]string),
		firstSeen: make(map[types.Instrument]time.Time),
	}, nil
}

func (h *HeliusFeed) Name() string { return "helius" }

type signatureInfo struct {
	Signature string `json:"signature"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

type tokenBalance struct {
	Mint string `json:"mint"`
}

type parsedTransaction struct {
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err               any            `json:"err"`
		PreTokenBalances  []tokenBalance `json:"preTokenBalances"`
		PostTokenBalances []tokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
}

// Poll returns snapshots for mints seen since the previous poll.
func (h *HeliusFeed) Poll(ctx context.Context) ([]types.CandidateSnapshot, error) {
	found := make(map[types.Instrument]time.Time)
	for _, program := range h.programs {
		if err := h.scanProgram(ctx, program, found); err != nil {
			log.Warn().Err(err).Str("program", program).Msg("Program scan failed")
		}
	}

	h.mu.Lock()
	cutoff := time.Now().Add(-firstSeenRetention)
	for inst, at := range found {
		if first, ok := h.firstSeen[inst]; ok && first.Before(at) {
			found[inst] = first
		} else {
			h.firstSeen[inst] = at
		}
	}
	for inst, at := range h.firstSeen {
		if at.Before(cutoff) {
			delete(h.firstSeen, inst)
		}
	}
	h.mu.Unlock()

	out := make([]types.CandidateSnapshot, 0, len(found))
	for inst, createdAt := range found {
		snap, err := h.stats.Snapshot(ctx, inst, createdAt, h.Name())
		if err != nil {
			log.Debug().Err(err).Str("instrument", inst.String()).Msg("Enrichment failed, skipping candidate")
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (h *HeliusFeed) scanProgram(ctx context.Context, program string, found map[types.Instrument]time.Time) error {
	opts := map[string]any{"limit": h.limit}
	h.mu.Lock()
	if last := h.lastSeen[program]; last != "" {
		opts["until"] = last
	}
	h.mu.Unlock()

	var sigs []signatureInfo
	err := h.client.Call(ctx, "getSignaturesForAddress", func(ctx context.Context) error {
		return h.rpc.CallContext(ctx, &sigs, "getSignaturesForAddress", program, opts)
	})
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}

	for _, sig := range sigs {
		if sig.Err != nil {
			continue
		}
		mints, blockTime, err := h.transactionMints(ctx, sig.Signature)
		if err != nil {
			log.Debug().Err(err).Str("signature", sig.Signature).Msg("getTransaction failed")
			continue
		}
		createdAt := time.Now()
		if blockTime != nil {
			createdAt = time.Unix(*blockTime, 0)
		} else if sig.BlockTime != nil {
			createdAt = time.Unix(*sig.BlockTime, 0)
		}
		for _, m := range mints {
			if prev, ok := found[m]; !ok || createdAt.Before(prev) {
				found[m] = createdAt
			}
		}
	}

	// Newest first; only advance the cursor once the batch was processed.
	h.mu.Lock()
	h.lastSeen[program] = sigs[0].Signature
	h.mu.Unlock()
	return nil
}

func (h *HeliusFeed) transactionMints(ctx context.Context, signature string) ([]types.Instrument, *int64, error) {
	var tx *parsedTransaction
	err := h.client.Call(ctx, "getTransaction", func(ctx context.Context) error {
		return h.rpc.CallContext(ctx, &tx, "getTransaction", signature, map[string]any{
			"encoding":                       "jsonParsed",
			"maxSupportedTransactionVersion": 0,
			"commitment":                     "confirmed",
		})
	})
	if err != nil {
		return nil, nil, err
	}
	if tx == nil || tx.Meta == nil || tx.Meta.Err != nil {
		return nil, nil, nil
	}

	seen := make(map[types.Instrument]bool)
	var mints []types.Instrument
	for _, group := range [][]tokenBalance{tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances} {
		for _, b := range group {
			m := types.Instrument(b.Mint)
			if m == "" || m == types.WrappedSOL || seen[m] {
				continue
			}
			seen[m] = true
			mints = append(mints, m)
		}
	}
	return mints, tx.BlockTime, nil
}

// Close releases the RPC connection.
func (h *HeliusFeed) Close() {
	h.rpc.Close()
}
