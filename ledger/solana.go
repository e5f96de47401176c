package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SOLANA LEDGER - JSON-RPC submit / confirm
// ═══════════════════════════════════════════════════════════════════════════════
//
// Transport is go-ethereum's generic JSON-RPC 2.0 client; every call is routed
// through exec.Client for rate limiting and retries. Resubmitting the same
// signed bytes is idempotent on chain (same signature), so sendTransaction is
// safe to retry.
//
// ═══════════════════════════════════════════════════════════════════════════════

const defaultPollInterval = 2 * time.Second

// Solana submits and confirms transactions over JSON-RPC.
type Solana struct {
	client       *exec.Client
	rpc          *rpc.Client
	pollInterval time.Duration
}

// NewSolana dials url using the client's HTTP transport.
func NewSolana(ctx context.Context, url string, client *exec.Client) (*Solana, error) {
	rc, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(client.HTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &Solana{client: client, rpc: rc, pollInterval: defaultPollInterval}, nil
}

// Submit sends a signed transaction and returns its signature.
func (s *Solana) Submit(ctx context.Context, payload types.SignedPayload) (types.TxRef, error) {
	encoded := base64.StdEncoding.EncodeToString(payload)
	opts := map[string]any{
		"encoding":      "base64",
		"skipPreflight": true,
		"maxRetries":    3,
	}

	var sig string
	err := s.client.Call(ctx, "sendTransaction", func(ctx context.Context) error {
		return s.rpc.CallContext(ctx, &sig, "sendTransaction", encoded, opts)
	})
	if err != nil {
		return "", err
	}

	log.Debug().Str("signature", sig).Msg("📤 Transaction submitted")
	return types.TxRef(sig), nil
}

type signatureStatus struct {
	Slot               uint64 `json:"slot"`
	Confirmations      *int   `json:"confirmations"`
	Err                any    `json:"err"`
	ConfirmationStatus string `json:"confirmationStatus"`
}

type signatureStatuses struct {
	Value []*signatureStatus `json:"value"`
}

// Confirm polls the signature status until it is confirmed, fails on chain, or
// timeout elapses. A timeout is reported as types.ConfirmTimedOut with a nil
// error; only cancellation of ctx itself returns an error.
func (s *Solana) Confirm(ctx context.Context, ref types.TxRef, timeout time.Duration) (types.ConfirmStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		st, err := s.status(waitCtx, ref)
		switch {
		case err == nil && st != nil && st.Err != nil:
			log.Warn().Str("signature", string(ref)).Interface("err", st.Err).Msg("Transaction failed on chain")
			return types.ConfirmFailed, nil
		case err == nil && st != nil && (st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized"):
			return types.ConfirmConfirmed, nil
		case err != nil && ctx.Err() == nil && waitCtx.Err() == nil:
			if errors.Is(err, types.ErrRequestRejected) {
				return "", err
			}
			log.Debug().Err(err).Str("signature", string(ref)).Msg("Status poll failed, will retry")
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return types.ConfirmTimedOut, nil
		case <-ticker.C:
		}
	}
}

func (s *Solana) status(ctx context.Context, ref types.TxRef) (*signatureStatus, error) {
	var res signatureStatuses
	err := s.client.Call(ctx, "getSignatureStatuses", func(ctx context.Context) error {
		return s.rpc.CallContext(ctx, &res, "getSignatureStatuses",
			[]string{string(ref)}, map[string]any{"searchTransactionHistory": true})
	})
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

// Balance returns the wallet balance in lamports.
func (s *Solana) Balance(ctx context.Context, pubkey string) (decimal.Decimal, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	err := s.client.Call(ctx, "getBalance", func(ctx context.Context) error {
		return s.rpc.CallContext(ctx, &res, "getBalance", pubkey)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(res.Value), 0), nil
}

type tokenAccounts struct {
	Value []struct {
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						TokenAmount struct {
							Amount string `json:"amount"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// TokenBalance sums owner's token accounts for mint, in raw units.
func (s *Solana) TokenBalance(ctx context.Context, owner string, mint types.Instrument) (decimal.Decimal, error) {
	var res tokenAccounts
	err := s.client.Call(ctx, "getTokenAccountsByOwner", func(ctx context.Context) error {
		return s.rpc.CallContext(ctx, &res, "getTokenAccountsByOwner", owner,
			map[string]string{"mint": mint.String()},
			map[string]string{"encoding": "jsonParsed", "commitment": "confirmed"})
	})
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, acc := range res.Value {
		amt, err := decimal.NewFromString(acc.Account.Data.Parsed.Info.TokenAmount.Amount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("token account amount: %w", err)
		}
		total = total.Add(amt)
	}
	return total, nil
}

// Close releases the RPC connection.
func (s *Solana) Close() {
	s.rpc.Close()
}
