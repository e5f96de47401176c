package feeds

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WALLET FEED - copy the buys of watched wallets
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET <base>/wallet/<address>   {"tokens":[{"mint":..., "created_timestamp":ms}]}
//
// The first successful read of a wallet is its baseline: tokens it already
// holds are not copied. A mint that appears later is held back until it is
// minAge old, then enriched and handed out once.
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultPumpFunAPIURL = "https://api.pump.fun"

type walletHoldings struct {
	Tokens []struct {
		Mint             string `json:"mint"`
		CreatedTimestamp int64  `json:"created_timestamp"`
	} `json:"tokens"`
}

// WalletFeed reports tokens newly bought by a set of watched wallets.
type WalletFeed struct {
	client  *exec.Client
	baseURL string
	wallets []string
	stats   *StatsClient
	minAge  time.Duration

	mu      sync.Mutex
	held    map[string]map[types.Instrument]struct{} // wallet → mints at last read
	pending map[types.Instrument]time.Time           // copied mint → created at
	tries   map[types.Instrument]int
}

// NewWalletFeed creates a copy-trade feed over the pump.fun wallet API.
func NewWalletFeed(client *exec.Client, baseURL string, wallets []string, stats *StatsClient, minAge time.Duration) *WalletFeed {
	if baseURL == "" {
		baseURL = DefaultPumpFunAPIURL
	}
	return &WalletFeed{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		wallets: wallets,
		stats:   stats,
		minAge:  minAge,
		held:    make(map[string]map[types.Instrument]struct{}),
		pending: make(map[types.Instrument]time.Time),
		tries:   make(map[types.Instrument]int),
	}
}

func (w *WalletFeed) Name() string { return "wallet" }

// Poll reads every watched wallet, then enriches the copied mints that have
// matured. A wallet that cannot be read is skipped until the next poll.
func (w *WalletFeed) Poll(ctx context.Context) ([]types.CandidateSnapshot, error) {
	for _, wallet := range w.wallets {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := w.read(ctx, wallet); err != nil {
			log.Warn().Err(err).Str("wallet", wallet).Msg("Failed to fetch watched wallet")
		}
	}

	now := time.Now()
	batch := make(map[types.Instrument]time.Time)
	w.mu.Lock()
	for inst, createdAt := range w.pending {
		if now.Sub(createdAt) >= w.minAge {
			batch[inst] = createdAt
			delete(w.pending, inst)
		}
	}
	w.mu.Unlock()

	out := make([]types.CandidateSnapshot, 0, len(batch))
	for inst, createdAt := range batch {
		snap, err := w.stats.Snapshot(ctx, inst, createdAt, w.Name())
		if err != nil {
			if errors.Is(err, types.ErrTransientUnavailable) && w.retry(inst, createdAt) {
				continue
			}
			log.Debug().Err(err).Str("instrument", inst.String()).Msg("Enrichment failed, skipping copied token")
			w.forget(inst)
			continue
		}
		w.forget(inst)
		out = append(out, snap)
	}
	return out, nil
}

func (w *WalletFeed) read(ctx context.Context, wallet string) error {
	var resp walletHoldings
	u := w.baseURL + "/wallet/" + url.PathEscape(wallet)
	if err := w.client.GetJSON(ctx, "wallet", u, nil, &resp); err != nil {
		return err
	}

	now := time.Now()
	current := make(map[types.Instrument]struct{}, len(resp.Tokens))
	created := make(map[types.Instrument]time.Time, len(resp.Tokens))
	for _, t := range resp.Tokens {
		if t.Mint == "" || types.Instrument(t.Mint) == types.WrappedSOL {
			continue
		}
		inst := types.Instrument(t.Mint)
		current[inst] = struct{}{}
		created[inst] = now
		if t.CreatedTimestamp > 0 {
			created[inst] = time.UnixMilli(t.CreatedTimestamp)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prev, primed := w.held[wallet]
	w.held[wallet] = current
	if !primed {
		log.Info().Str("wallet", wallet).Int("tokens", len(current)).Msg("👀 Watching wallet")
		return nil
	}

	for inst := range current {
		if _, had := prev[inst]; had {
			continue
		}
		if _, queued := w.pending[inst]; queued || len(w.pending) >= maxPending {
			continue
		}
		w.pending[inst] = created[inst]
		log.Info().Str("wallet", wallet).Str("instrument", inst.String()).Msg("🧠 Watched wallet bought")
	}
	return nil
}

func (w *WalletFeed) retry(inst types.Instrument, createdAt time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tries[inst]++
	if w.tries[inst] >= maxEnrichTries {
		delete(w.tries, inst)
		return false
	}
	w.pending[inst] = createdAt
	return true
}

func (w *WalletFeed) forget(inst types.Instrument) {
	w.mu.Lock()
	delete(w.tries, inst)
	w.mu.Unlock()
}
