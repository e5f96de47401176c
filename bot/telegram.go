package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/core"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & operator control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔔 Queued, non-blocking notifications (buy, sell, skip, alerts)
//   🎛️ Commands: /status /positions /trades /stats /balance /pause /resume /ping
//   🔒 Only the configured chat is answered
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	queueSize    = 256
	drainTimeout = 5 * time.Second
	requestDelay = 50 * time.Millisecond // stay under Telegram's per-chat limit
)

// Controller is the engine surface the bot drives.
type Controller interface {
	Pause()
	Resume()
	Status() core.Status
}

// PositionLister lists persisted positions.
type PositionLister interface {
	List(ctx context.Context) ([]types.Position, error)
}

// TradeHistory reads the trade journal.
type TradeHistory interface {
	Recent(ctx context.Context, limit int) ([]types.TradeRecord, error)
	Stats(ctx context.Context) (storage.Stats, error)
}

// WalletBalance reads the wallet's balance in lamports.
type WalletBalance interface {
	Balance(ctx context.Context, pubkey string) (decimal.Decimal, error)
}

// Sources are what the commands report on. Any field may be nil.
type Sources struct {
	Engine    Controller
	Positions PositionLister
	Trades    TradeHistory
	Wallet    WalletBalance
	Address   string // wallet public key
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	api    *tgbotapi.BotAPI
	chatID int64

	mu  sync.RWMutex
	src Sources

	queue   chan string
	stopCh  chan struct{}
	done    sync.WaitGroup
	running bool
}

// NewTelegramBot connects to the Bot API.
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
	return newTelegramBot(token, chatID, tgbotapi.APIEndpoint)
}

func newTelegramBot(token string, chatID int64, endpoint string) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		queue:  make(chan string, queueSize),
		stopCh: make(chan struct{}),
	}, nil
}

// SetSources wires the command data sources.
func (b *TelegramBot) SetSources(src Sources) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.src = src
}

func (b *TelegramBot) sources() Sources {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.src
}

// Start begins delivering notifications and listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	b.done.Add(2)
	go b.sendLoop()
	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops listening, then flushes queued messages for up to drainTimeout.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stopCh)
	b.api.StopReceivingUpdates()
	b.done.Wait()
	log.Info().Msg("Telegram bot stopped")
}

// Send queues a message. It never blocks; when the queue is full the message
// is logged and dropped.
func (b *TelegramBot) Send(text string) {
	select {
	case b.queue <- text:
	default:
		log.Warn().Str("text", text).Msg("Telegram queue full, notification dropped")
	}
}

func (b *TelegramBot) sendLoop() {
	defer b.done.Done()
	for {
		select {
		case text := <-b.queue:
			b.deliver(text)
			time.Sleep(requestDelay)
		case <-b.stopCh:
			b.drain()
			return
		}
	}
}

func (b *TelegramBot) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case text := <-b.queue:
			b.deliver(text)
		case <-deadline:
			log.Warn().Int("pending", len(b.queue)).Msg("Telegram drain timed out")
			return
		default:
			return
		}
	}
}

// deliver sends Markdown and falls back to plain text when Telegram cannot
// parse it (addresses and errors often contain '_').
func (b *TelegramBot) deliver(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err == nil {
		return
	}
	msg.ParseMode = ""
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	defer b.done.Done()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}

			b.Send(b.reply(update.Message.Command()))
		}
	}
}

func (b *TelegramBot) reply(cmd string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch strings.ToLower(cmd) {
	case "start", "help":
		return helpText
	case "status":
		return b.cmdStatus()
	case "positions":
		return b.cmdPositions(ctx)
	case "trades":
		return b.cmdTrades(ctx)
	case "stats":
		return b.cmdStats(ctx)
	case "balance":
		return b.cmdBalance(ctx)
	case "pause":
		return b.cmdPause()
	case "resume":
		return b.cmdResume()
	case "ping":
		return "🏓 Pong!"
	default:
		return "❓ Unknown command. Use /help"
	}
}

const helpText = `🤖 *PUMPBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
💼 /positions — Open positions
📜 /trades — Last 10 trades
📈 /stats — Win/loss counts
💰 /balance — Wallet balance
⏸️ /pause — Pause new entries
▶️ /resume — Resume entries
🏓 /ping — Test connection`

func (b *TelegramBot) cmdStatus() string {
	eng := b.sources().Engine
	if eng == nil {
		return "❌ Status not available"
	}
	st := eng.Status()

	state := "🟢 RUNNING"
	if st.Paused {
		state = "⏸️ PAUSED (exits still active)"
	}
	uptime := "n/a"
	if !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Round(time.Second).String()
	}

	return fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
⏱️ Uptime: *%s*
🔎 Scans: *%d* | Eligible: *%d*
🟢 Bought: *%d*`, state, st.Mode, uptime, st.Scans, st.Eligible, st.Bought)
}

func (b *TelegramBot) cmdPositions(ctx context.Context) string {
	lister := b.sources().Positions
	if lister == nil {
		return "❌ Positions not available"
	}

	positions, err := lister.List(ctx)
	if err != nil {
		return "❌ Failed to fetch positions"
	}
	if len(positions) == 0 {
		return "📭 No open positions"
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for i, pos := range positions {
		if i >= 5 {
			fmt.Fprintf(&sb, "_... and %d more_", len(positions)-5)
			break
		}
		fmt.Fprintf(&sb, "`%s` — %s\n💵 Cost: %s SOL | Tokens: %s\n⏱️ Held: %v\n\n",
			pos.Instrument, pos.Status,
			lamports(pos.Cost), pos.Amount.String(),
			time.Since(pos.EntryTimestamp).Round(time.Second),
		)
	}
	return sb.String()
}

func (b *TelegramBot) cmdTrades(ctx context.Context) string {
	history := b.sources().Trades
	if history == nil {
		return "❌ Trades not available"
	}

	trades, err := history.Recent(ctx, 10)
	if err != nil {
		return "❌ Failed to fetch trades"
	}
	if len(trades) == 0 {
		return "📭 No trade history yet"
	}

	var sb strings.Builder
	sb.WriteString("📜 *LAST 10 TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, t := range trades {
		actionEmoji := "📌"
		switch t.Action {
		case "BUY":
			actionEmoji = "🟢"
		case "TAKE_PROFIT":
			actionEmoji = "💰"
		case "STOP_LOSS":
			actionEmoji = "🛑"
		case "MAX_HOLD":
			actionEmoji = "⏱️"
		}

		ratio := ""
		if !t.PnLRatio.IsZero() {
			ratio = fmt.Sprintf(" | %sx", t.PnLRatio.StringFixed(2))
		}
		fmt.Fprintf(&sb, "%s %s `%s` %s SOL%s\n   _%s_\n\n",
			actionEmoji, t.Action, t.Instrument.Short(), lamports(t.Value), ratio,
			t.Timestamp.Format("Jan 2 15:04"))
	}
	return sb.String()
}

func (b *TelegramBot) cmdStats(ctx context.Context) string {
	history := b.sources().Trades
	if history == nil {
		return "❌ Stats not available"
	}
	st, err := history.Stats(ctx)
	if err != nil {
		return "❌ Failed to fetch stats"
	}

	winRate := float64(0)
	if st.Sells > 0 {
		winRate = float64(st.Wins) / float64(st.Sells) * 100
	}
	return fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

🟢 Buys: *%d*
📤 Sells: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*`, st.Buys, st.Sells, st.Wins, st.Losses, winRate)
}

func (b *TelegramBot) cmdBalance(ctx context.Context) string {
	src := b.sources()
	if src.Wallet == nil || src.Address == "" {
		return "❌ Balance not available"
	}
	bal, err := src.Wallet.Balance(ctx, src.Address)
	if err != nil {
		return "❌ Failed to fetch balance"
	}
	return fmt.Sprintf("💰 *WALLET*\n━━━━━━━━━━━━━━━━━━━━\n\n`%s`\n💵 *%s SOL*", src.Address, lamports(bal))
}

func (b *TelegramBot) cmdPause() string {
	eng := b.sources().Engine
	if eng == nil {
		return "❌ Engine not available"
	}
	eng.Pause()
	log.Info().Msg("Trading paused via Telegram")
	return "⏸️ New entries paused. Open positions are still monitored."
}

func (b *TelegramBot) cmdResume() string {
	eng := b.sources().Engine
	if eng == nil {
		return "❌ Engine not available"
	}
	eng.Resume()
	log.Info().Msg("Trading resumed via Telegram")
	return "▶️ Entries resumed"
}

func lamports(v decimal.Decimal) string {
	return v.Div(decimal.NewFromInt(types.LamportsPerSOL)).StringFixed(4)
}
