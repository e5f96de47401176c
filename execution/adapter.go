package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ADAPTERS - What the executors need from the outside world
// ═══════════════════════════════════════════════════════════════════════════════
//
//   SwapProvider    swap.Jupiter | swap.Simulated
//   Ledger          ledger.Solana | ledger.Simulated
//   LiquidityProbe  feeds.StatsClient
//   TradeJournal    storage.Journal
//   Notifier        bot.TelegramBot | bot.LogNotifier
//
// ═══════════════════════════════════════════════════════════════════════════════

// SwapProvider prices and builds swaps. Quote returns (nil, nil) when there is
// no route. Build returns a payload already signed by the provider's signer.
type SwapProvider interface {
	Quote(ctx context.Context, in, out types.Instrument, amount decimal.Decimal) (*types.Route, error)
	Build(ctx context.Context, route *types.Route) (types.SignedPayload, error)
}

// Ledger submits signed transactions, waits for them to land and reads the
// wallet's token holdings in raw units.
type Ledger interface {
	Submit(ctx context.Context, payload types.SignedPayload) (types.TxRef, error)
	Confirm(ctx context.Context, ref types.TxRef, timeout time.Duration) (types.ConfirmStatus, error)
	TokenBalance(ctx context.Context, owner string, mint types.Instrument) (decimal.Decimal, error)
}

// LiquidityProbe reads live pool liquidity right before a buy.
type LiquidityProbe interface {
	Liquidity(ctx context.Context, inst types.Instrument) (decimal.Decimal, error)
}

// TradeJournal keeps the history of completed trades.
type TradeJournal interface {
	Record(ctx context.Context, rec types.TradeRecord) error
}

// Notifier delivers operator messages. Send must not block.
type Notifier interface {
	Send(text string)
}

// NopNotifier discards every message. Components given a nil Notifier use it;
// the binary passes bot.LogNotifier when Telegram is not configured.
type NopNotifier struct{}

func (NopNotifier) Send(string) {}
