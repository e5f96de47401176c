package feeds

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/pumpbot/types"
)

// Source is anything that can hand out candidate snapshots.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]types.CandidateSnapshot, error)
}

// Multi polls several sources concurrently and merges their results.
// A failing source is logged and skipped; the others still report.
type Multi struct {
	sources []Source
}

// NewMulti combines sources. Nil entries are ignored.
func NewMulti(sources ...Source) *Multi {
	m := &Multi{}
	for _, s := range sources {
		if s != nil {
			m.sources = append(m.sources, s)
		}
	}
	return m
}

func (m *Multi) Name() string { return "multi" }

// Poll returns one snapshot per instrument. When two sources report the same
// instrument the earliest creation time wins.
func (m *Multi) Poll(ctx context.Context) ([]types.CandidateSnapshot, error) {
	var (
		mu     sync.Mutex
		merged = make(map[types.Instrument]types.CandidateSnapshot)
		order  []types.Instrument
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range m.sources {
		src := src
		g.Go(func() error {
			snaps, err := src.Poll(gctx)
			if err != nil {
				log.Warn().Err(err).Str("source", src.Name()).Msg("Discovery source failed")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, s := range snaps {
				prev, ok := merged[s.Instrument]
				if !ok {
					order = append(order, s.Instrument)
				} else if !s.CreatedAt.Before(prev.CreatedAt) {
					continue
				}
				merged[s.Instrument] = s
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]types.CandidateSnapshot, 0, len(order))
	for _, inst := range order {
		out = append(out, merged[inst])
	}
	return out, nil
}
