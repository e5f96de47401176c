package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/metrics"
	"github.com/web3guy0/pumpbot/risk"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Routes discovered candidates to the entry executor
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each instrument is screened once per TTL. "Too young" verdicts are not
// remembered so the candidate is screened again when rediscovered.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultSeenTTL is how long a screened instrument is ignored.
const DefaultSeenTTL = 30 * time.Minute

type Router struct {
	thresholds risk.Thresholds
	ttl        time.Duration
	now        func() time.Time

	mu   sync.Mutex
	seen map[types.Instrument]time.Time // instrument → screened at
}

// NewRouter creates a candidate router
func NewRouter(thresholds risk.Thresholds, ttl time.Duration) *Router {
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &Router{
		thresholds: thresholds,
		ttl:        ttl,
		now:        time.Now,
		seen:       make(map[types.Instrument]time.Time),
	}
}

// Route screens a batch and returns the eligible candidates in input order.
func (r *Router) Route(batch []types.CandidateSnapshot) []types.CandidateSnapshot {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for inst, at := range r.seen {
		if now.Sub(at) >= r.ttl {
			delete(r.seen, inst)
		}
	}

	var eligible []types.CandidateSnapshot
	for _, c := range batch {
		if _, dup := r.seen[c.Instrument]; dup {
			continue
		}

		v := risk.Evaluate(c, r.thresholds, now)
		if !v.Eligible {
			metrics.Candidates.WithLabelValues(v.Reason).Inc()
			log.Debug().
				Str("instrument", c.Instrument.String()).
				Str("source", c.Source).
				Str("reason", v.Reason).
				Msg("Candidate rejected")
			if v.Reason != risk.ReasonTooYoung {
				r.seen[c.Instrument] = now
			}
			continue
		}

		metrics.Candidates.WithLabelValues("eligible").Inc()
		log.Info().
			Str("instrument", c.Instrument.String()).
			Str("source", c.Source).
			Str("liquidity", c.Liquidity.StringFixed(2)).
			Int("holders", c.HolderCount).
			Msg("🔎 Eligible candidate")
		r.seen[c.Instrument] = now
		eligible = append(eligible, c)
	}
	return eligible
}

// Forget lets an instrument be screened again on its next sighting.
func (r *Router) Forget(inst types.Instrument) {
	r.mu.Lock()
	delete(r.seen, inst)
	r.mu.Unlock()
}
