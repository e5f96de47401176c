package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pumpbot/execution"
	"github.com/web3guy0/pumpbot/risk"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

var thresholds = risk.Thresholds{
	MinAge:           60 * time.Second,
	MaxAge:           time.Hour,
	MinLiquidity:     decimal.NewFromInt(20),
	MinHolders:       10,
	MaxConcentration: decimal.NewFromInt(30),
	MinMarketCap:     decimal.NewFromInt(1000),
	MinVolume:        decimal.NewFromInt(1000),
}

func candidate(inst types.Instrument, age time.Duration) types.CandidateSnapshot {
	return types.CandidateSnapshot{
		Instrument:             inst,
		CreatedAt:              time.Now().Add(-age),
		Liquidity:              decimal.NewFromInt(25),
		HolderCount:            12,
		TopHolderConcentration: decimal.NewFromInt(20),
		MarketCap:              decimal.NewFromInt(5000),
		Volume24h:              decimal.NewFromInt(2000),
		Source:                 "test",
	}
}

type staticDiscovery struct {
	mu    sync.Mutex
	batch []types.CandidateSnapshot
	polls int
}

func (d *staticDiscovery) Poll(context.Context) ([]types.CandidateSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls++
	return d.batch, nil
}

type countingEntry struct {
	mu     sync.Mutex
	calls  map[types.Instrument]int
	block  chan struct{} // when set, TryEnter waits on it or ctx
	ctxErr atomic.Value
}

func (c *countingEntry) TryEnter(ctx context.Context, inst types.Instrument) execution.EntryResult {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[types.Instrument]int)
	}
	c.calls[inst]++
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			c.ctxErr.Store(ctx.Err())
			return execution.EntryResult{Outcome: execution.OutcomeFailed, Err: ctx.Err()}
		}
	}
	return execution.EntryResult{Outcome: execution.OutcomeBought}
}

func (c *countingEntry) count(inst types.Instrument) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[inst]
}

type countingMonitor struct{ cycles atomic.Int64 }

func (m *countingMonitor) RunCycle(context.Context) error {
	m.cycles.Add(1)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, text)
}

func newStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.OpenFileStore(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)
	return s
}

func TestRouterDedupAndTooYoung(t *testing.T) {
	r := NewRouter(thresholds, time.Minute)
	old := candidate("MintOld", 90*time.Second)
	young := candidate("MintYoung", 10*time.Second)
	poor := candidate("MintPoor", 90*time.Second)
	poor.Liquidity = decimal.NewFromInt(5)

	first := r.Route([]types.CandidateSnapshot{old, young, poor})
	require.Len(t, first, 1)
	assert.Equal(t, types.Instrument("MintOld"), first[0].Instrument)

	// Old and poor are remembered; young is screened again.
	r.mu.Lock()
	_, youngSeen := r.seen["MintYoung"]
	_, poorSeen := r.seen["MintPoor"]
	r.mu.Unlock()
	assert.False(t, youngSeen)
	assert.True(t, poorSeen)

	matured := young
	matured.CreatedAt = time.Now().Add(-2 * time.Minute)
	second := r.Route([]types.CandidateSnapshot{old, matured, poor})
	require.Len(t, second, 1)
	assert.Equal(t, types.Instrument("MintYoung"), second[0].Instrument)
}

func TestRouterTTLExpiry(t *testing.T) {
	r := NewRouter(thresholds, time.Minute)
	now := time.Now()
	r.now = func() time.Time { return now }

	c := candidate("MintA", 90*time.Second)
	require.Len(t, r.Route([]types.CandidateSnapshot{c}), 1)
	require.Empty(t, r.Route([]types.CandidateSnapshot{c}))

	now = now.Add(2 * time.Minute)
	c.CreatedAt = now.Add(-90 * time.Second)
	assert.Len(t, r.Route([]types.CandidateSnapshot{c}), 1)

	r.Forget("MintA")
	assert.Len(t, r.Route([]types.CandidateSnapshot{c}), 1)
}

func TestEngineRunEntersOnceAndClosesStore(t *testing.T) {
	store := newStore(t)
	disc := &staticDiscovery{batch: []types.CandidateSnapshot{candidate("MintA", 90*time.Second)}}
	entry := &countingEntry{}
	mon := &countingMonitor{}
	notes := &recordingNotifier{}

	e := NewEngine(Config{
		Mode:                 "DRY RUN",
		ScanInterval:         5 * time.Millisecond,
		MonitorInterval:      5 * time.Millisecond,
		MaxConcurrentEntries: 2,
		ShutdownGrace:        time.Second,
	}, Deps{
		Discovery:  disc,
		Router:     NewRouter(thresholds, time.Hour),
		Entry:      entry,
		Monitor:    mon,
		Reconciler: execution.NewReconciler(store, notes),
		Store:      store,
		Notifier:   notes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		disc.mu.Lock()
		defer disc.mu.Unlock()
		return disc.polls >= 3 && mon.cycles.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, entry.count("MintA"))
	assert.Equal(t, int64(1), e.Status().Bought)

	_, err := store.Get(context.Background(), "MintA")
	assert.ErrorIs(t, err, types.ErrStorageFailure)

	notes.mu.Lock()
	defer notes.mu.Unlock()
	require.NotEmpty(t, notes.msgs)
	assert.Contains(t, notes.msgs[0], "started")
	assert.Contains(t, notes.msgs[len(notes.msgs)-1], "stopped")
}

func TestNewEngineDefaultsToSilentNotifier(t *testing.T) {
	e := NewEngine(Config{}, Deps{Store: newStore(t)})
	assert.Equal(t, execution.NopNotifier{}, e.deps.Notifier)

	notes := &recordingNotifier{}
	e = NewEngine(Config{}, Deps{Store: newStore(t), Notifier: notes})
	assert.Same(t, notes, e.deps.Notifier)
}

func TestEnginePauseStopsEntries(t *testing.T) {
	disc := &staticDiscovery{batch: []types.CandidateSnapshot{candidate("MintA", 90*time.Second)}}
	entry := &countingEntry{}
	mon := &countingMonitor{}

	e := NewEngine(Config{ScanInterval: 5 * time.Millisecond, MonitorInterval: 5 * time.Millisecond}, Deps{
		Discovery: disc,
		Router:    NewRouter(thresholds, time.Hour),
		Entry:     entry,
		Monitor:   mon,
		Store:     newStore(t),
	})
	e.Pause()
	assert.True(t, e.Paused())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return mon.cycles.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, entry.count("MintA"))

	e.Resume()
	require.Eventually(t, func() bool { return entry.count("MintA") == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEngineShutdownGraceCancelsStuckEntries(t *testing.T) {
	disc := &staticDiscovery{batch: []types.CandidateSnapshot{candidate("MintA", 90*time.Second)}}
	entry := &countingEntry{block: make(chan struct{})}

	e := NewEngine(Config{
		ScanInterval:    5 * time.Millisecond,
		MonitorInterval: time.Hour,
		ShutdownGrace:   50 * time.Millisecond,
	}, Deps{
		Discovery: disc,
		Router:    NewRouter(thresholds, time.Hour),
		Entry:     entry,
		Monitor:   &countingMonitor{},
		Store:     newStore(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return entry.count("MintA") == 1 }, 2*time.Second, 5*time.Millisecond)
	start := time.Now()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after the shutdown grace")
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, context.Canceled, entry.ctxErr.Load())
}

type failingRunner struct{}

func (failingRunner) Run(context.Context) error { return fmt.Errorf("feed exploded") }

func TestEngineRunnerFailureStopsEngine(t *testing.T) {
	e := NewEngine(Config{ScanInterval: time.Hour, MonitorInterval: time.Hour}, Deps{
		Discovery: &staticDiscovery{},
		Router:    NewRouter(thresholds, time.Hour),
		Entry:     &countingEntry{},
		Monitor:   &countingMonitor{},
		Store:     newStore(t),
		Runners:   []Runner{failingRunner{}},
	})

	err := e.Run(context.Background())
	assert.EqualError(t, err, "feed exploded")
}
