package swap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/ledger"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// JUPITER - swap aggregator (v6 quote / swap API)
// ═══════════════════════════════════════════════════════════════════════════════
//
// Quote:  GET  /quote?inputMint&outputMint&amount&slippageBps
// Build:  POST /swap {quoteResponse, userPublicKey} → base64 unsigned tx
//         signed locally in the wallet's slot
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultJupiterURL = "https://quote-api.jup.ag/v6"

// Error codes meaning "no path between these mints", which is a normal
// outcome for brand new tokens rather than a failure.
var noRouteCodes = []string{"COULD_NOT_FIND_ANY_ROUTE", "NO_ROUTES_FOUND", "TOKEN_NOT_TRADABLE"}

// Jupiter implements the swap provider against the Jupiter API.
type Jupiter struct {
	client      *exec.Client
	baseURL     string
	signer      *ledger.Signer
	slippageBps int
	header      http.Header
}

// NewJupiter creates a Jupiter provider. slippageBps applies to every quote.
func NewJupiter(client *exec.Client, baseURL, apiKey string, signer *ledger.Signer, slippageBps int) *Jupiter {
	if baseURL == "" {
		baseURL = DefaultJupiterURL
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("x-api-key", apiKey)
	}
	return &Jupiter{
		client:      client,
		baseURL:     strings.TrimRight(baseURL, "/"),
		signer:      signer,
		slippageBps: slippageBps,
		header:      header,
	}
}

type quoteResponse struct {
	InputMint      string `json:"inputMint"`
	InAmount       string `json:"inAmount"`
	OutputMint     string `json:"outputMint"`
	OutAmount      string `json:"outAmount"`
	OtherAmount    string `json:"otherAmountThreshold"`
	SlippageBps    int    `json:"slippageBps"`
	PriceImpactPct string `json:"priceImpactPct"`
}

// Quote returns nil, nil when no route exists.
func (j *Jupiter) Quote(ctx context.Context, in, out types.Instrument, amount decimal.Decimal) (*types.Route, error) {
	q := url.Values{}
	q.Set("inputMint", in.String())
	q.Set("outputMint", out.String())
	q.Set("amount", amount.Truncate(0).String())
	q.Set("slippageBps", fmt.Sprint(j.slippageBps))

	var raw json.RawMessage
	err := j.client.GetJSON(ctx, "quote", j.baseURL+"/quote?"+q.Encode(), j.header, &raw)
	if isNoRoute(err) {
		log.Debug().Str("in", in.Short()).Str("out", out.Short()).Msg("No route")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	inAmt, err := decimal.NewFromString(resp.InAmount)
	if err != nil {
		return nil, fmt.Errorf("quote inAmount %q: %w", resp.InAmount, err)
	}
	outAmt, err := decimal.NewFromString(resp.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("quote outAmount %q: %w", resp.OutAmount, err)
	}
	if !outAmt.IsPositive() {
		return nil, nil
	}
	impact, _ := decimal.NewFromString(resp.PriceImpactPct)
	minOut, _ := decimal.NewFromString(resp.OtherAmount)

	return &types.Route{
		InputMint:    in,
		OutputMint:   out,
		InAmount:     inAmt,
		OutAmount:    outAmt,
		MinOutAmount: minOut,
		PriceImpact:  impact,
		SlippageBps:  resp.SlippageBps,
		Raw:          raw,
	}, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports string          `json:"prioritizationFeeLamports"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// Build fetches the swap transaction for route and signs it with the wallet.
func (j *Jupiter) Build(ctx context.Context, route *types.Route) (types.SignedPayload, error) {
	if route == nil || len(route.Raw) == 0 {
		return nil, errors.New("build: route has no quote")
	}
	if j.signer == nil {
		return nil, errors.New("build: no wallet configured")
	}

	req := swapRequest{
		QuoteResponse:             route.Raw,
		UserPublicKey:             j.signer.PublicKey(),
		WrapAndUnwrapSol:          true,
		DynamicComputeUnitLimit:   true,
		PrioritizationFeeLamports: "auto",
	}
	var resp swapResponse
	if err := j.client.PostJSON(ctx, "swap", j.baseURL+"/swap", j.header, req, &resp); err != nil {
		return nil, err
	}

	unsigned, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	signed, err := j.signer.SignTransaction(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign swap transaction: %w", err)
	}
	return types.SignedPayload(signed), nil
}

func isNoRoute(err error) bool {
	var se *exec.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		return false
	}
	for _, code := range noRouteCodes {
		if strings.Contains(se.Body, code) {
			return true
		}
	}
	return false
}
