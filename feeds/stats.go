package feeds

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TOKEN STATS - liquidity, holders, market cap, volume
// ═══════════════════════════════════════════════════════════════════════════════
//
// Birdeye-compatible REST endpoints:
//   GET /defi/token_overview?address=   liquidity, holder, mc, v24hUSD
//   GET /defi/token_security?address=   top10HolderPercent (fraction)
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultStatsURL = "https://public-api.birdeye.so"

// StatsClient enriches discovered instruments and serves live liquidity checks.
type StatsClient struct {
	client  *exec.Client
	baseURL string
	header  http.Header
}

// NewStatsClient creates a stats client.
func NewStatsClient(client *exec.Client, baseURL, apiKey string) *StatsClient {
	if baseURL == "" {
		baseURL = DefaultStatsURL
	}
	header := http.Header{}
	header.Set("x-chain", "solana")
	if apiKey != "" {
		header.Set("X-API-KEY", apiKey)
	}
	return &StatsClient{client: client, baseURL: strings.TrimRight(baseURL, "/"), header: header}
}

type overviewResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Liquidity decimal.Decimal `json:"liquidity"`
		Holder    int             `json:"holder"`
		MC        decimal.Decimal `json:"mc"`
		V24hUSD   decimal.Decimal `json:"v24hUSD"`
	} `json:"data"`
}

type securityResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Top10HolderPercent decimal.NullDecimal `json:"top10HolderPercent"`
	} `json:"data"`
}

func (s *StatsClient) overview(ctx context.Context, inst types.Instrument) (*overviewResponse, error) {
	var resp overviewResponse
	u := s.baseURL + "/defi/token_overview?address=" + url.QueryEscape(inst.String())
	if err := s.client.GetJSON(ctx, "token_overview", u, s.header, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("token_overview %s: unsuccessful response", inst.Short())
	}
	return &resp, nil
}

// Liquidity returns the live pool liquidity of an instrument.
func (s *StatsClient) Liquidity(ctx context.Context, inst types.Instrument) (decimal.Decimal, error) {
	resp, err := s.overview(ctx, inst)
	if err != nil {
		return decimal.Zero, err
	}
	return resp.Data.Liquidity, nil
}

// Snapshot builds a candidate snapshot for an instrument first seen at createdAt.
// Top-holder concentration is reported in percent.
func (s *StatsClient) Snapshot(ctx context.Context, inst types.Instrument, createdAt time.Time, source string) (types.CandidateSnapshot, error) {
	ov, err := s.overview(ctx, inst)
	if err != nil {
		return types.CandidateSnapshot{}, err
	}

	var sec securityResponse
	u := s.baseURL + "/defi/token_security?address=" + url.QueryEscape(inst.String())
	if err := s.client.GetJSON(ctx, "token_security", u, s.header, &sec); err != nil {
		return types.CandidateSnapshot{}, err
	}

	// Unknown concentration is treated as fully concentrated.
	concentration := decimal.NewFromInt(100)
	if sec.Success && sec.Data.Top10HolderPercent.Valid {
		concentration = sec.Data.Top10HolderPercent.Decimal.Mul(decimal.NewFromInt(100))
	}

	return types.CandidateSnapshot{
		Instrument:             inst,
		CreatedAt:              createdAt,
		Liquidity:              ov.Data.Liquidity,
		HolderCount:            ov.Data.Holder,
		TopHolderConcentration: concentration,
		MarketCap:              ov.Data.MC,
		Volume24h:              ov.Data.V24hUSD,
		Source:                 source,
	}, nil
}
