package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NEW-TOKEN STREAM - websocket push feed
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes with {"method":"subscribeNewToken"} and buffers every announced
// mint. Poll hands out mints once they are at least minAge old, so a token is
// not screened (and rejected as too young) the moment it is created.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultStreamURL = "wss://pumpportal.fun/api/data"
	pingInterval     = 30 * time.Second
	maxPending       = 1000
	maxEnrichTries   = 5
)

type streamEvent struct {
	Mint      string `json:"mint"`
	TxType    string `json:"txType"`
	Timestamp int64  `json:"timestamp"`
}

// StreamFeed keeps a websocket subscription open while Run is active.
type StreamFeed struct {
	url     string
	stats   *StatsClient
	backoff exec.Backoff
	minAge  time.Duration
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
	pending   map[types.Instrument]time.Time
	tries     map[types.Instrument]int
}

// NewStreamFeed creates a stream feed; call Run to connect.
func NewStreamFeed(url string, stats *StatsClient, backoff exec.Backoff, minAge time.Duration) *StreamFeed {
	if url == "" {
		url = DefaultStreamURL
	}
	return &StreamFeed{
		url:     url,
		stats:   stats,
		backoff: backoff,
		minAge:  minAge,
		dialer:  websocket.DefaultDialer,
		pending: make(map[types.Instrument]time.Time),
		tries:   make(map[types.Instrument]int),
	}
}

func (f *StreamFeed) Name() string { return "stream" }

// Connected reports whether the websocket is currently up.
func (f *StreamFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Run maintains the connection until ctx is cancelled.
func (f *StreamFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		subscribed, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt = 0
		}

		delay := f.backoff.Delay(attempt, nil)
		attempt++
		log.Warn().Err(err).Dur("retry_in", delay).Msg("🔌 Stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session dials, subscribes and reads until the connection drops.
func (f *StreamFeed) session(ctx context.Context) (subscribed bool, err error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"method": "subscribeNewToken"}); err != nil {
		return false, err
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	log.Info().Str("url", f.url).Msg("🔌 Stream connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
	}()

	// Unblock ReadMessage on shutdown and keep the connection alive.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		f.handleMessage(data)
	}
}

func (f *StreamFeed) handleMessage(data []byte) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Mint == "" {
		return // subscription acks and unrelated frames
	}
	if ev.TxType != "" && ev.TxType != "create" {
		return
	}

	seenAt := time.Now()
	if ev.Timestamp > 0 {
		if ev.Timestamp > 1e12 {
			seenAt = time.UnixMilli(ev.Timestamp)
		} else {
			seenAt = time.Unix(ev.Timestamp, 0)
		}
	}

	inst := types.Instrument(ev.Mint)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[inst]; ok || len(f.pending) >= maxPending {
		return
	}
	f.pending[inst] = seenAt
	log.Debug().Str("instrument", inst.String()).Msg("🆕 New token announced")
}

// Poll removes the matured mints from the buffer and enriches them.
func (f *StreamFeed) Poll(ctx context.Context) ([]types.CandidateSnapshot, error) {
	now := time.Now()
	batch := make(map[types.Instrument]time.Time)
	f.mu.Lock()
	for inst, seenAt := range f.pending {
		if now.Sub(seenAt) >= f.minAge {
			batch[inst] = seenAt
			delete(f.pending, inst)
		}
	}
	f.mu.Unlock()

	out := make([]types.CandidateSnapshot, 0, len(batch))
	for inst, createdAt := range batch {
		if ctx.Err() != nil {
			f.requeue(inst, createdAt, false)
			continue
		}
		snap, err := f.stats.Snapshot(ctx, inst, createdAt, f.Name())
		if err != nil {
			if errors.Is(err, types.ErrTransientUnavailable) && f.requeue(inst, createdAt, true) {
				log.Debug().Err(err).Str("instrument", inst.String()).Msg("Enrichment unavailable, retrying next poll")
				continue
			}
			log.Debug().Err(err).Str("instrument", inst.String()).Msg("Enrichment failed, skipping candidate")
			f.forget(inst)
			continue
		}
		f.forget(inst)
		out = append(out, snap)
	}
	return out, nil
}

// requeue puts a matured mint back for the next poll. counted requeues are
// limited to maxEnrichTries per mint.
func (f *StreamFeed) requeue(inst types.Instrument, seenAt time.Time, counted bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counted {
		f.tries[inst]++
		if f.tries[inst] >= maxEnrichTries {
			delete(f.tries, inst)
			return false
		}
	}
	f.pending[inst] = seenAt
	return true
}

func (f *StreamFeed) forget(inst types.Instrument) {
	f.mu.Lock()
	delete(f.tries, inst)
	f.mu.Unlock()
}
