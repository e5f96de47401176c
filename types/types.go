package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Instrument is an opaque token identifier (a mint address on Solana).
type Instrument string

// WrappedSOL is the base asset every position is bought with and sold into.
const WrappedSOL Instrument = "So11111111111111111111111111111111111111112"

// LamportsPerSOL converts between SOL and raw base units.
const LamportsPerSOL = 1_000_000_000

func (i Instrument) String() string { return string(i) }

// Short returns a log-friendly prefix of the identifier.
func (i Instrument) Short() string {
	if len(i) > 8 {
		return string(i[:8]) + "..."
	}
	return string(i)
}

// CandidateSnapshot is produced by discovery and consumed once by the filter.
type CandidateSnapshot struct {
	Instrument             Instrument
	CreatedAt              time.Time
	Liquidity              decimal.Decimal
	HolderCount            int
	TopHolderConcentration decimal.Decimal // percent, 0-100
	MarketCap              decimal.Decimal
	Volume24h              decimal.Decimal
	Source                 string
}

// PositionStatus is the lifecycle state of a persisted position
type PositionStatus string

const (
	StatusOpen    PositionStatus = "OPEN"
	StatusClosing PositionStatus = "CLOSING"
	StatusClosed  PositionStatus = "CLOSED"
)

// Valid reports whether s is one of the known statuses.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosing, StatusClosed:
		return true
	}
	return false
}

// Position is the only persisted entity. One record per instrument.
type Position struct {
	Instrument     Instrument       `json:"instrument"`
	EntryPrice     decimal.Decimal  `json:"entry_price"` // base units per token unit
	EntryTimestamp time.Time        `json:"entry_timestamp"`
	EntryTxRef     string           `json:"entry_tx_ref"`
	Status         PositionStatus   `json:"status"`
	ExitPrice      *decimal.Decimal `json:"exit_price"`
	ExitTxRef      *string          `json:"exit_tx_ref"`

	// Additive fields
	Amount     decimal.Decimal `json:"amount"` // raw token units held
	Cost       decimal.Decimal `json:"cost"`   // raw base units spent
	ExitReason string          `json:"exit_reason,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointers with the store.
func (p Position) Clone() Position {
	out := p
	if p.ExitPrice != nil {
		v := *p.ExitPrice
		out.ExitPrice = &v
	}
	if p.ExitTxRef != nil {
		v := *p.ExitTxRef
		out.ExitTxRef = &v
	}
	return out
}

// Route is a priced path returned by the swap provider.
type Route struct {
	InputMint    Instrument
	OutputMint   Instrument
	InAmount     decimal.Decimal // raw units
	OutAmount    decimal.Decimal // raw units
	MinOutAmount decimal.Decimal // worst fill the slippage allows; zero when unknown
	PriceImpact  decimal.Decimal
	SlippageBps  int
	Raw          json.RawMessage // provider quote, echoed back on build
}

// Price returns input units paid per output unit.
func (r *Route) Price() decimal.Decimal {
	if r == nil || r.OutAmount.IsZero() {
		return decimal.Zero
	}
	return r.InAmount.Div(r.OutAmount)
}

// SignedPayload is a serialized, signed transaction ready for submission.
type SignedPayload []byte

// TxRef identifies a submitted transaction (a base58 signature on Solana).
type TxRef string

// ConfirmStatus is the outcome of waiting on a submitted transaction.
type ConfirmStatus string

const (
	ConfirmConfirmed ConfirmStatus = "CONFIRMED"
	ConfirmFailed    ConfirmStatus = "FAILED"
	ConfirmTimedOut  ConfirmStatus = "TIMED_OUT"
)

// TradeRecord for display (Telegram bot) and the journal
type TradeRecord struct {
	ID         string
	Instrument Instrument
	Action     string // BUY, TAKE_PROFIT, STOP_LOSS, MAX_HOLD
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Value      decimal.Decimal // base units
	PnLRatio   decimal.Decimal
	TxRef      string
	Timestamp  time.Time
}
