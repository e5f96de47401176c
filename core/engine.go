package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/web3guy0/pumpbot/execution"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Lifecycle coordinator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Discovery → Router (dedup + filter) → EntryExecutor → Store
//   Store → ExitMonitor (every MonitorInterval)
//
// Shutdown: loops stop starting work when ctx is cancelled; running entries
// and the current exit cycle keep a separate work context for ShutdownGrace.
// The store is closed last.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Discovery yields candidate snapshots.
type Discovery interface {
	Poll(ctx context.Context) ([]types.CandidateSnapshot, error)
}

// Enterer opens positions.
type Enterer interface {
	TryEnter(ctx context.Context, inst types.Instrument) execution.EntryResult
}

// Monitor runs one exit pass over open positions.
type Monitor interface {
	RunCycle(ctx context.Context) error
}

// Runner is a background component that lives as long as the engine, such as
// a websocket feed.
type Runner interface {
	Run(ctx context.Context) error
}

// Config holds engine timing and limits.
type Config struct {
	Mode                 string // "LIVE" or "DRY RUN", for notifications
	ScanInterval         time.Duration
	MonitorInterval      time.Duration
	MaxConcurrentEntries int
	ShutdownGrace        time.Duration
}

// Deps are the engine's collaborators. Reconciler, Notifier and Runners are
// optional.
type Deps struct {
	Discovery  Discovery
	Router     *Router
	Entry      Enterer
	Monitor    Monitor
	Reconciler *execution.Reconciler
	Store      storage.Store
	Notifier   execution.Notifier
	Runners    []Runner
}

// Status is a point-in-time view for operator commands.
type Status struct {
	Mode      string
	Paused    bool
	StartedAt time.Time
	Scans     int64
	Eligible  int64
	Bought    int64
}

type Engine struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted

	paused    atomic.Bool
	scans     atomic.Int64
	eligible  atomic.Int64
	bought    atomic.Int64
	startedAt atomic.Int64 // unix nanos

	entries sync.WaitGroup
}

// NewEngine creates a new engine
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 60 * time.Second
	}
	if cfg.MaxConcurrentEntries <= 0 {
		cfg.MaxConcurrentEntries = 1
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = execution.NopNotifier{}
	}
	return &Engine{
		cfg:  cfg,
		deps: deps,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentEntries)),
	}
}

// Run blocks until ctx is cancelled and everything has wound down. A non-nil
// error means startup failed or a background runner died.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeStore()

	if e.deps.Reconciler != nil {
		if _, err := e.deps.Reconciler.RecoverPositions(ctx); err != nil {
			e.deps.Notifier.Send(fmt.Sprintf("🚨 *Startup failed*\nPosition recovery: %v", err))
			return fmt.Errorf("recover positions: %w", err)
		}
	}

	e.startedAt.Store(time.Now().UnixNano())
	log.Info().
		Str("mode", e.cfg.Mode).
		Dur("scan", e.cfg.ScanInterval).
		Dur("monitor", e.cfg.MonitorInterval).
		Int("max_entries", e.cfg.MaxConcurrentEntries).
		Msg("⚡ Engine started")
	e.deps.Notifier.Send(fmt.Sprintf("🚀 *pumpbot started*\nMode: %s\nScan: %s | Monitor: %s",
		e.cfg.Mode, e.cfg.ScanInterval, e.cfg.MonitorInterval))

	// Work survives ctx for ShutdownGrace so running units reach a durable point.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopped := make(chan struct{})
	go func() {
		select {
		case <-stopped:
			return
		case <-ctx.Done():
		}
		timer := time.NewTimer(e.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			log.Warn().Dur("grace", e.cfg.ShutdownGrace).Msg("⏱️ Shutdown grace elapsed, abandoning in-flight work")
			cancelWork()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.scanLoop(gctx, workCtx)
		return nil
	})
	g.Go(func() error {
		e.monitorLoop(gctx, workCtx)
		return nil
	})
	for _, r := range e.deps.Runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	err := g.Wait()

	e.entries.Wait()
	close(stopped)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("❌ Engine stopped on error")
		e.deps.Notifier.Send(fmt.Sprintf("🛑 *pumpbot stopped*\n%v", err))
		return err
	}
	log.Info().Msg("Engine stopped")
	e.deps.Notifier.Send("🛑 *pumpbot stopped*")
	return nil
}

func (e *Engine) closeStore() {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.Close(); err != nil {
		log.Error().Err(err).Msg("Position store close failed")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOOPS
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) scanLoop(loopCtx, workCtx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if !e.paused.Load() {
			e.scan(loopCtx, workCtx)
		}
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) scan(loopCtx, workCtx context.Context) {
	e.scans.Add(1)

	batch, err := e.deps.Discovery.Poll(loopCtx)
	if err != nil {
		if loopCtx.Err() == nil {
			log.Warn().Err(err).Msg("Discovery poll failed")
		}
		return
	}

	for _, c := range e.deps.Router.Route(batch) {
		c := c
		e.eligible.Add(1)
		if err := e.sem.Acquire(loopCtx, 1); err != nil {
			// Shutting down; let it be rediscovered next run.
			e.deps.Router.Forget(c.Instrument)
			return
		}
		if e.paused.Load() {
			e.sem.Release(1)
			e.deps.Router.Forget(c.Instrument)
			continue
		}

		e.entries.Add(1)
		go func() {
			defer e.entries.Done()
			defer e.sem.Release(1)
			e.enter(workCtx, c.Instrument)
		}()
	}
}

func (e *Engine) enter(ctx context.Context, inst types.Instrument) {
	res := e.deps.Entry.TryEnter(ctx, inst)
	switch res.Outcome {
	case execution.OutcomeBought:
		e.bought.Add(1)
	case execution.OutcomeFailed:
		// Nothing was bought; a later sighting may try again.
		if errors.Is(res.Err, types.ErrTransientUnavailable) && !errors.Is(res.Err, types.ErrAmbiguousOutcome) {
			e.deps.Router.Forget(inst)
		}
	}
}

func (e *Engine) monitorLoop(loopCtx, workCtx context.Context) {
	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		if err := e.deps.Monitor.RunCycle(workCtx); err != nil {
			log.Error().Err(err).Msg("❌ Exit cycle failed")
			if errors.Is(err, types.ErrStorageFailure) {
				e.deps.Notifier.Send(fmt.Sprintf("🚨 *Exit monitor*\n%v", err))
			}
		}
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// OPERATOR CONTROLS
// ═══════════════════════════════════════════════════════════════════════════════

// Pause stops new entries. Exits keep running.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		log.Warn().Msg("⏸️ Entries paused")
	}
}

// Resume re-enables entries.
func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		log.Info().Msg("▶️ Entries resumed")
	}
}

func (e *Engine) Paused() bool { return e.paused.Load() }

// Status returns engine counters.
func (e *Engine) Status() Status {
	var started time.Time
	if ns := e.startedAt.Load(); ns != 0 {
		started = time.Unix(0, ns)
	}
	return Status{
		Mode:      e.cfg.Mode,
		Paused:    e.paused.Load(),
		StartedAt: started,
		Scans:     e.scans.Load(),
		Eligible:  e.eligible.Load(),
		Bought:    e.bought.Load(),
	}
}
