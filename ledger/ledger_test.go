package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/types"
)

func encodeCompactU16(v int) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// unsignedTx builds a v0 transaction with one empty signature slot whose
// first account key is signer.
func unsignedTx(signer ed25519.PublicKey) []byte {
	other := bytes.Repeat([]byte{7}, 32)
	var msg []byte
	msg = append(msg, 0x80)    // v0
	msg = append(msg, 1, 0, 1) // header
	msg = append(msg, encodeCompactU16(2)...)
	msg = append(msg, signer...)
	msg = append(msg, other...)
	msg = append(msg, bytes.Repeat([]byte{9}, 32)...) // blockhash and the rest

	tx := encodeCompactU16(1)
	tx = append(tx, make([]byte, 64)...)
	return append(tx, msg...)
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := bytes.Repeat([]byte{42}, ed25519.SeedSize)
	return ed25519.NewKeyFromSeed(seed)
}

func TestLoadSignerFormats(t *testing.T) {
	priv := testKey(t)

	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	arr, err := json.Marshal(ints)
	require.NoError(t, err)

	fromArray, err := LoadSigner(string(arr))
	require.NoError(t, err)
	fromB58, err := LoadSigner(base58.Encode(priv))
	require.NoError(t, err)

	assert.Equal(t, base58.Encode(priv.Public().(ed25519.PublicKey)), fromArray.PublicKey())
	assert.Equal(t, fromArray.PublicKey(), fromB58.PublicKey())

	_, err = LoadSigner("[1,2,3]")
	assert.Error(t, err)
	_, err = LoadSigner("")
	assert.Error(t, err)
}

func TestSignTransaction(t *testing.T) {
	priv := testKey(t)
	signer := NewSigner(priv)
	pub := priv.Public().(ed25519.PublicKey)

	tx := unsignedTx(pub)
	signed, err := signer.SignTransaction(tx)
	require.NoError(t, err)
	require.Len(t, signed, len(tx))

	sig := signed[1:65]
	msg := signed[65:]
	assert.True(t, ed25519.Verify(pub, msg, sig))
	assert.Equal(t, make([]byte, 64), tx[1:65], "input must not be mutated")

	id, err := TransactionID(signed)
	require.NoError(t, err)
	assert.Equal(t, base58.Encode(sig), id)
}

func TestSignTransactionRejectsForeignSigner(t *testing.T) {
	signer := NewSigner(testKey(t))
	stranger := bytes.Repeat([]byte{1}, 32)
	_, err := signer.SignTransaction(unsignedTx(stranger))
	assert.ErrorContains(t, err, "not a required signer")

	_, err = signer.SignTransaction([]byte{1, 2, 3})
	assert.Error(t, err)
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func rpcServer(t *testing.T, handle func(req rpcRequest) (any, *int)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		result, code := handle(req)
		w.Header().Set("Content-Type", "application/json")
		if code != nil {
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":"boom"}}`, req.ID, *code)
			return
		}
		out, _ := json.Marshal(result)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, out)
	}))
}

func newTestSolana(t *testing.T, url string) *Solana {
	t.Helper()
	client := exec.NewClient(exec.Config{
		Name:    "rpc-test",
		Timeout: time.Second,
		Retry:   exec.RetryPolicy{MaxAttempts: 2, Backoff: exec.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}},
	})
	s, err := NewSolana(context.Background(), url, client)
	require.NoError(t, err)
	s.pollInterval = 5 * time.Millisecond
	t.Cleanup(s.Close)
	return s
}

func TestSolanaSubmitAndConfirm(t *testing.T) {
	var polls atomic.Int32
	srv := rpcServer(t, func(req rpcRequest) (any, *int) {
		switch req.Method {
		case "sendTransaction":
			var encoded string
			assert.NoError(t, json.Unmarshal(req.Params[0], &encoded))
			_, err := base64.StdEncoding.DecodeString(encoded)
			assert.NoError(t, err)
			assert.True(t, strings.Contains(string(req.Params[1]), `"skipPreflight":true`))
			return "5igSig", nil
		case "getSignatureStatuses":
			if polls.Add(1) < 3 {
				return map[string]any{"value": []any{nil}}, nil
			}
			return map[string]any{"value": []any{map[string]any{"slot": 1, "err": nil, "confirmationStatus": "confirmed"}}}, nil
		}
		return nil, nil
	})
	defer srv.Close()

	s := newTestSolana(t, srv.URL)
	ref, err := s.Submit(context.Background(), types.SignedPayload{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, types.TxRef("5igSig"), ref)

	st, err := s.Confirm(context.Background(), ref, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmConfirmed, st)
}

func TestSolanaConfirmOnChainFailure(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) (any, *int) {
		return map[string]any{"value": []any{map[string]any{"slot": 1, "err": map[string]any{"InstructionError": []any{0, "Custom"}}, "confirmationStatus": "confirmed"}}}, nil
	})
	defer srv.Close()

	st, err := newTestSolana(t, srv.URL).Confirm(context.Background(), "sig", time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmFailed, st)
}

func TestSolanaConfirmTimesOut(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) (any, *int) {
		return map[string]any{"value": []any{nil}}, nil
	})
	defer srv.Close()

	st, err := newTestSolana(t, srv.URL).Confirm(context.Background(), "sig", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmTimedOut, st)
}

func TestSolanaSubmitRejected(t *testing.T) {
	code := -32002
	srv := rpcServer(t, func(req rpcRequest) (any, *int) { return nil, &code })
	defer srv.Close()

	_, err := newTestSolana(t, srv.URL).Submit(context.Background(), types.SignedPayload{1})
	assert.ErrorIs(t, err, types.ErrRequestRejected)
}

func TestSolanaTokenBalance(t *testing.T) {
	account := func(amount string) map[string]any {
		return map[string]any{"account": map[string]any{"data": map[string]any{"parsed": map[string]any{
			"info": map[string]any{"tokenAmount": map[string]any{"amount": amount, "decimals": 6}},
		}}}}
	}
	srv := rpcServer(t, func(req rpcRequest) (any, *int) {
		assert.Equal(t, "getTokenAccountsByOwner", req.Method)
		assert.JSONEq(t, `"Owner111"`, string(req.Params[0]))
		assert.JSONEq(t, `{"mint":"MintA"}`, string(req.Params[1]))
		assert.Contains(t, string(req.Params[2]), `"jsonParsed"`)
		return map[string]any{"value": []any{account("1500000000"), account("460000000")}}, nil
	})
	defer srv.Close()

	bal, err := newTestSolana(t, srv.URL).TokenBalance(context.Background(), "Owner111", "MintA")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1_960_000_000)), bal.String())
}

func TestSolanaTokenBalanceNoAccounts(t *testing.T) {
	srv := rpcServer(t, func(req rpcRequest) (any, *int) {
		return map[string]any{"value": []any{}}, nil
	})
	defer srv.Close()

	bal, err := newTestSolana(t, srv.URL).TokenBalance(context.Background(), "Owner111", "MintA")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSimulatedLedgerSettlesPaperFills(t *testing.T) {
	ctx := context.Background()
	l := NewSimulated(0)

	confirm := func(payload string) {
		t.Helper()
		ref, err := l.Submit(ctx, types.SignedPayload(payload))
		require.NoError(t, err)
		st, err := l.Confirm(ctx, ref, time.Second)
		require.NoError(t, err)
		require.Equal(t, types.ConfirmConfirmed, st)

		// Settlement happens once per transaction.
		_, err = l.Confirm(ctx, ref, time.Second)
		require.NoError(t, err)
	}

	confirm(`{"inputMint":"` + types.WrappedSOL.String() + `","outputMint":"MintA","inAmount":"10000000","outAmount":"2000000000"}`)
	bal, err := l.TokenBalance(ctx, "", "MintA")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(2_000_000_000)), bal.String())

	confirm(`{"inputMint":"MintA","outputMint":"` + types.WrappedSOL.String() + `","inAmount":"2000000000","outAmount":"21000000"}`)
	bal, err = l.TokenBalance(ctx, "", "MintA")
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), bal.String())

	wsol, err := l.TokenBalance(ctx, "", types.WrappedSOL)
	require.NoError(t, err)
	assert.True(t, wsol.IsZero(), "SOL legs are not tracked")
}

func TestSimulatedLedger(t *testing.T) {
	l := NewSimulated(time.Millisecond)
	ref, err := l.Submit(context.Background(), types.SignedPayload{1})
	require.NoError(t, err)

	st, err := l.Confirm(context.Background(), ref, time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmConfirmed, st)

	st, err = l.Confirm(context.Background(), "unknown", time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmFailed, st)

	slow := NewSimulated(time.Second)
	ref, _ = slow.Submit(context.Background(), nil)
	st, err = slow.Confirm(context.Background(), ref, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ConfirmTimedOut, st)
}
