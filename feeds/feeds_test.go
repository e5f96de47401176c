package feeds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

const mintA types.Instrument = "MintA1111111111111111111111111111111111111"

func statsServer(t *testing.T, security string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "solana", r.Header.Get("x-chain"))
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		switch r.URL.Path {
		case "/defi/token_overview":
			_, _ = w.Write([]byte(`{"success":true,"data":{"liquidity":15000.5,"holder":120,"mc":90000,"v24hUSD":4200}}`))
		case "/defi/token_security":
			_, _ = w.Write([]byte(security))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testStats(url string) *StatsClient {
	client := exec.NewClient(exec.Config{
		Name:    "stats-test",
		Timeout: time.Second,
		Retry:   exec.RetryPolicy{MaxAttempts: 1},
	})
	return NewStatsClient(client, url, "key")
}

func TestStatsSnapshot(t *testing.T) {
	srv := statsServer(t, `{"success":true,"data":{"top10HolderPercent":0.25}}`)
	stats := testStats(srv.URL)

	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	snap, err := stats.Snapshot(context.Background(), mintA, created, "helius")
	require.NoError(t, err)

	assert.Equal(t, mintA, snap.Instrument)
	assert.Equal(t, created, snap.CreatedAt)
	assert.Equal(t, 120, snap.HolderCount)
	assert.Equal(t, "helius", snap.Source)
	assert.True(t, snap.Liquidity.Equal(decimal.RequireFromString("15000.5")))
	assert.True(t, snap.TopHolderConcentration.Equal(decimal.NewFromInt(25)))
	assert.True(t, snap.MarketCap.Equal(decimal.NewFromInt(90000)))
	assert.True(t, snap.Volume24h.Equal(decimal.NewFromInt(4200)))

	liq, err := stats.Liquidity(context.Background(), mintA)
	require.NoError(t, err)
	assert.True(t, liq.Equal(decimal.RequireFromString("15000.5")))
}

func TestStatsUnknownConcentrationIsWorstCase(t *testing.T) {
	srv := statsServer(t, `{"success":true,"data":{"top10HolderPercent":null}}`)

	snap, err := testStats(srv.URL).Snapshot(context.Background(), mintA, time.Now(), "stream")
	require.NoError(t, err)
	assert.True(t, snap.TopHolderConcentration.Equal(decimal.NewFromInt(100)))
}

func TestStatsUnsuccessfulOverview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	_, err := testStats(srv.URL).Liquidity(context.Background(), mintA)
	assert.Error(t, err)
}

func TestStreamHandleMessage(t *testing.T) {
	f := NewStreamFeed("", nil, exec.DefaultBackoff(), time.Minute)

	f.handleMessage([]byte(`{"message":"Successfully subscribed"}`))
	f.handleMessage([]byte(`not json`))
	f.handleMessage([]byte(`{"mint":"MintB","txType":"buy"}`))
	f.handleMessage([]byte(`{"mint":"` + mintA.String() + `","txType":"create","timestamp":1700000000000}`))
	f.handleMessage([]byte(`{"mint":"` + mintA.String() + `","txType":"create"}`))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.pending, 1)
	assert.Equal(t, time.UnixMilli(1700000000000), f.pending[mintA])
}

func TestStreamPollHoldsYoungMints(t *testing.T) {
	srv := statsServer(t, `{"success":true,"data":{"top10HolderPercent":0.1}}`)
	f := NewStreamFeed("", testStats(srv.URL), exec.DefaultBackoff(), 5*time.Minute)

	young := types.Instrument("MintYoung111111111111111111111111111111111")
	f.mu.Lock()
	f.pending[mintA] = time.Now().Add(-10 * time.Minute)
	f.pending[young] = time.Now()
	f.mu.Unlock()

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, mintA, snaps[0].Instrument)
	assert.Equal(t, "stream", snaps[0].Source)

	f.mu.Lock()
	_, stillPending := f.pending[young]
	_, drained := f.pending[mintA]
	f.mu.Unlock()
	assert.True(t, stillPending)
	assert.False(t, drained)
}

func TestStreamPollRetriesUnavailableEnrichment(t *testing.T) {
	var overviews atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/defi/token_overview":
			if overviews.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"liquidity":15000,"holder":80}}`))
		case "/defi/token_security":
			_, _ = w.Write([]byte(`{"success":true,"data":{"top10HolderPercent":0.2}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewStreamFeed("", testStats(srv.URL), exec.DefaultBackoff(), time.Minute)
	seenAt := time.Now().Add(-2 * time.Minute)
	f.mu.Lock()
	f.pending[mintA] = seenAt
	f.mu.Unlock()

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)

	f.mu.Lock()
	requeued, ok := f.pending[mintA]
	f.mu.Unlock()
	require.True(t, ok, "a 503 from the stats provider must not drop the mint")
	assert.Equal(t, seenAt, requeued)

	snaps, err = f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, mintA, snaps[0].Instrument)
	assert.Equal(t, 80, snaps[0].HolderCount)
}

func TestStreamPollGivesUpAfterRepeatedOutages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewStreamFeed("", testStats(srv.URL), exec.DefaultBackoff(), time.Minute)
	f.mu.Lock()
	f.pending[mintA] = time.Now().Add(-2 * time.Minute)
	f.mu.Unlock()

	for i := 0; i < maxEnrichTries; i++ {
		snaps, err := f.Poll(context.Background())
		require.NoError(t, err)
		assert.Empty(t, snaps)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.pending)
	assert.Empty(t, f.tries)
}

type fakeSource struct {
	name  string
	snaps []types.CandidateSnapshot
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Poll(context.Context) ([]types.CandidateSnapshot, error) {
	return f.snaps, f.err
}

func TestMultiMergesAndDeduplicates(t *testing.T) {
	early := time.Now().Add(-time.Hour)
	late := time.Now()
	mintB := types.Instrument("MintB1111111111111111111111111111111111111")

	m := NewMulti(
		&fakeSource{name: "a", snaps: []types.CandidateSnapshot{
			{Instrument: mintA, CreatedAt: late, Source: "a"},
			{Instrument: mintB, CreatedAt: late, Source: "a"},
		}},
		&fakeSource{name: "b", snaps: []types.CandidateSnapshot{
			{Instrument: mintA, CreatedAt: early, Source: "b"},
		}},
		&fakeSource{name: "broken", err: errors.New("boom")},
		nil,
	)

	snaps, err := m.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	byInst := make(map[types.Instrument]types.CandidateSnapshot)
	for _, s := range snaps {
		byInst[s.Instrument] = s
	}
	assert.Equal(t, "b", byInst[mintA].Source)
	assert.True(t, byInst[mintA].CreatedAt.Equal(early))
	assert.Contains(t, byInst, mintB)
}

func TestMultiCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMulti(&fakeSource{name: "a"}).Poll(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHeliusFeedExtractsMints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(body, "getSignaturesForAddress"):
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[` +
				`{"signature":"sig2","blockTime":1700000100,"err":null},` +
				`{"signature":"sig1","blockTime":1700000000,"err":{"InstructionError":[0,"x"]}}]}`))
		case strings.Contains(body, "getTransaction"):
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"blockTime":1700000100,"meta":{"err":null,` +
				`"preTokenBalances":[],` +
				`"postTokenBalances":[{"mint":"So11111111111111111111111111111111111111112"},{"mint":"` + mintA.String() + `"}]}}}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	stats := statsServer(t, `{"success":true,"data":{"top10HolderPercent":0.3}}`)
	client := exec.NewClient(exec.Config{Name: "rpc-test", Timeout: time.Second, Retry: exec.RetryPolicy{MaxAttempts: 1}})

	h, err := NewHeliusFeed(context.Background(), srv.URL, client, testStats(stats.URL), nil, 5)
	require.NoError(t, err)
	defer h.Close()

	snaps, err := h.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, mintA, snaps[0].Instrument)
	assert.Equal(t, time.Unix(1700000100, 0), snaps[0].CreatedAt)

	h.mu.Lock()
	assert.Equal(t, "sig2", h.lastSeen[PumpFunProgram])
	h.mu.Unlock()
}

func TestWalletFeedCopiesNewMints(t *testing.T) {
	young := types.Instrument("MintYoung111111111111111111111111111111111")
	created := time.Now().Add(-10 * time.Minute).UnixMilli()

	var reads atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/wallet/WalletA":
			if reads.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"tokens":[{"mint":"MintOld"}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"tokens":[{"mint":"MintOld"},` +
				`{"mint":"` + mintA.String() + `","created_timestamp":` + strconv.FormatInt(created, 10) + `},` +
				`{"mint":"` + young.String() + `"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer api.Close()

	stats := statsServer(t, `{"success":true,"data":{"top10HolderPercent":0.2}}`)
	client := exec.NewClient(exec.Config{Name: "pumpfun-test", Timeout: time.Second, Retry: exec.RetryPolicy{MaxAttempts: 1}})
	f := NewWalletFeed(client, api.URL, []string{"Broken", "WalletA"}, testStats(stats.URL), time.Minute)

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps, "holdings at the first read are the baseline")

	snaps, err = f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, mintA, snaps[0].Instrument)
	assert.Equal(t, "wallet", snaps[0].Source)
	assert.Equal(t, time.UnixMilli(created), snaps[0].CreatedAt)
	assert.Equal(t, 120, snaps[0].HolderCount)

	snaps, err = f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps, "a copied mint is handed out once")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.pending, young)
	assert.NotContains(t, f.held, "Broken")
}

func TestRaydiumFeedScreensPoolsInAgeWindow(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-5 * time.Minute).Unix()
	mintOld := types.Instrument("MintOld1111111111111111111111111111111111")
	mintYoung := types.Instrument("MintYoung111111111111111111111111111111111")

	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = fmt.Fprintf(w, `{"data":[`+
			`{"baseMint":%q,"liquidity":120.5,"volume24h":"48","openTime":%d},`+
			`{"baseMint":%q,"liquidity":900,"volume24h":1000,"openTime":%d},`+
			`{"baseMint":%q,"liquidity":10,"volume24h":10,"openTime":%d},`+
			`{"baseMint":"","liquidity":10}]}`,
			mintA, fresh, mintOld, now.Add(-48*time.Hour).Unix(), mintYoung, now.Unix())
	}))
	defer api.Close()

	stats := statsServer(t, `{"success":true,"data":{"top10HolderPercent":0.2}}`)
	client := exec.NewClient(exec.Config{Name: "raydium-test", Timeout: time.Second, Retry: exec.RetryPolicy{MaxAttempts: 1}})
	f := NewRaydiumFeed(client, api.URL, testStats(stats.URL), time.Minute, time.Hour, 10)

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, mintA, snaps[0].Instrument)
	assert.Equal(t, "raydium", snaps[0].Source)
	assert.Equal(t, time.Unix(fresh, 0), snaps[0].CreatedAt)
	assert.True(t, snaps[0].Liquidity.Equal(decimal.RequireFromString("15000.5")), "stats liquidity wins when known")

	snaps, err = f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps, "a pool is screened once")
	assert.EqualValues(t, 2, hits.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.firstSeen, mintYoung)
	assert.NotContains(t, f.screened, mintYoung)
	assert.NotContains(t, f.screened, mintOld)
}

func TestRaydiumFeedUnavailable(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	client := exec.NewClient(exec.Config{Name: "raydium-test", Timeout: time.Second, Retry: exec.RetryPolicy{MaxAttempts: 1}})
	_, err := NewRaydiumFeed(client, api.URL, nil, time.Minute, time.Hour, 10).Poll(context.Background())
	assert.ErrorIs(t, err, types.ErrTransientUnavailable)
}

func TestDecodePools(t *testing.T) {
	bare, err := decodePools([]byte(` [{"baseMint":"MintA","liquidity":"12.5","volume24h":3}]`))
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Equal(t, "MintA", bare[0].BaseMint)
	assert.True(t, bare[0].Liquidity.Equal(decimal.RequireFromString("12.5")))

	wrapped, err := decodePools([]byte(`{"data":[{"baseMint":"MintB"}]}`))
	require.NoError(t, err)
	require.Len(t, wrapped, 1)
	assert.True(t, wrapped[0].OpenTime.IsZero())

	_, err = decodePools([]byte(`"nope"`))
	assert.Error(t, err)
}
