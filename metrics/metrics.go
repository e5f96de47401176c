// Package metrics holds the Prometheus collectors the engine updates.
//
//   - pumpbot_entries_total{outcome}       bought|skipped|failed|ambiguous
//   - pumpbot_exits_total{reason,outcome}  closed|reverted|ambiguous|skipped
//   - pumpbot_client_retries_total{provider}
//   - pumpbot_client_failures_total{provider,kind}
//   - pumpbot_open_positions
//   - pumpbot_candidates_total{verdict}
//
// Collectors are registered in init() and served by Serve at /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	Entries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpbot_entries_total",
			Help: "Entry workflows by outcome",
		},
		[]string{"outcome"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpbot_exits_total",
			Help: "Exit attempts by trigger reason and outcome",
		},
		[]string{"reason", "outcome"},
	)

	ClientRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpbot_client_retries_total",
			Help: "Retried external calls per provider",
		},
		[]string{"provider"},
	)

	ClientFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpbot_client_failures_total",
			Help: "External calls that failed after the retry policy, by kind",
		},
		[]string{"provider", "kind"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pumpbot_open_positions",
			Help: "Open positions seen by the last monitor cycle",
		},
	)

	Candidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pumpbot_candidates_total",
			Help: "Discovered candidates by filter verdict",
		},
		[]string{"verdict"},
	)
)

func init() {
	prometheus.MustRegister(Entries, Exits, ClientRetries, ClientFailures, OpenPositions, Candidates)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("📈 Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
