package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/web3guy0/pumpbot/bot"
	"github.com/web3guy0/pumpbot/core"
	"github.com/web3guy0/pumpbot/exec"
	"github.com/web3guy0/pumpbot/execution"
	"github.com/web3guy0/pumpbot/feeds"
	"github.com/web3guy0/pumpbot/internal/config"
	"github.com/web3guy0/pumpbot/ledger"
	"github.com/web3guy0/pumpbot/metrics"
	"github.com/web3guy0/pumpbot/storage"
	"github.com/web3guy0/pumpbot/swap"
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY RUN"
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              PUMPBOT - NEW TOKEN SNIPER")
	log.Info().Str("mode", mode).Msg("═══════════════════════════════════════════════════════════════")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Rate-limited clients, one per provider
	retry := exec.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Backoff:     exec.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, Jitter: 0.2},
	}
	rpcClient := exec.NewClient(exec.Config{Name: "rpc", RequestsPerMinute: cfg.RPCRPM, Burst: 5, Timeout: cfg.CallTimeout, Retry: retry})
	jupiterClient := exec.NewClient(exec.Config{Name: "jupiter", RequestsPerMinute: cfg.JupiterRPM, Burst: 2, Timeout: cfg.CallTimeout, Retry: retry})
	statsClient := exec.NewClient(exec.Config{Name: "stats", RequestsPerMinute: cfg.StatsRPM, Burst: 2, MaxConcurrent: 4, Timeout: cfg.CallTimeout, Retry: retry})

	// 2. Storage
	var (
		db       *gorm.DB
		tradeLog *storage.Journal
	)
	if cfg.DatabaseURL != "" {
		db, err = storage.OpenDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Database connection failed")
		}
		tradeLog, err = storage.NewJournal(db)
		if err != nil {
			log.Fatal().Err(err).Msg("Trade journal unavailable")
		}
	}

	var store storage.Store
	switch cfg.StoreBackend {
	case "sql":
		store, err = storage.NewSQLStore(db)
	default:
		store, err = storage.OpenFileStore(cfg.PositionsFile)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Position store unavailable")
	}
	log.Info().Str("backend", cfg.StoreBackend).Msg("✅ Position store initialized")

	// Interfaces stay nil when there is no journal.
	var (
		journal execution.TradeJournal
		history bot.TradeHistory
	)
	if tradeLog != nil {
		journal, history = tradeLog, tradeLog
	}

	// 3. Chain access
	solana, err := ledger.NewSolana(ctx, cfg.RPCURL, rpcClient)
	if err != nil {
		log.Fatal().Err(err).Msg("RPC connection failed")
	}
	defer solana.Close()

	var signer *ledger.Signer
	if cfg.PrivateKey != "" {
		signer, err = ledger.LoadSigner(cfg.PrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid PRIVATE_KEY")
		}
		log.Info().Str("wallet", signer.PublicKey()).Msg("🔑 Wallet loaded")
	}

	var (
		swapper execution.SwapProvider
		chain   execution.Ledger
	)
	if cfg.DryRun {
		swapper = swap.NewSimulated(0.05, time.Now().UnixNano())
		chain = ledger.NewSimulated(500 * time.Millisecond)
		log.Warn().Msg("📝 DRY RUN: swaps and transactions are simulated")
	} else {
		swapper = swap.NewJupiter(jupiterClient, cfg.JupiterAPIURL, cfg.JupiterAPIKey, signer, cfg.SlippageBps())
		chain = solana
	}

	// 4. Discovery
	stats := feeds.NewStatsClient(statsClient, cfg.StatsAPIURL, cfg.StatsAPIKey)
	helius, err := feeds.NewHeliusFeed(ctx, cfg.RPCURL, rpcClient, stats, cfg.ProgramIDs, cfg.DiscoveryLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("Discovery feed unavailable")
	}
	defer helius.Close()

	sources := []feeds.Source{helius}
	var runners []core.Runner
	if cfg.StreamURL != "" {
		stream := feeds.NewStreamFeed(cfg.StreamURL, stats, retry.Backoff, cfg.Filter.MinAge)
		sources = append(sources, stream)
		runners = append(runners, stream)
	}
	if len(cfg.WatchedWallets) > 0 {
		pumpClient := exec.NewClient(exec.Config{Name: "pumpfun", RequestsPerMinute: cfg.StatsRPM, Burst: 2, Timeout: cfg.CallTimeout, Retry: retry})
		sources = append(sources, feeds.NewWalletFeed(pumpClient, cfg.PumpFunAPIURL, cfg.WatchedWallets, stats, cfg.Filter.MinAge))
		log.Info().Int("wallets", len(cfg.WatchedWallets)).Msg("🧠 Copy-trade feed enabled")
	}
	if cfg.RaydiumPoolsURL != "" {
		raydiumClient := exec.NewClient(exec.Config{Name: "raydium", RequestsPerMinute: cfg.StatsRPM, Burst: 2, Timeout: cfg.CallTimeout, Retry: retry})
		sources = append(sources, feeds.NewRaydiumFeed(raydiumClient, cfg.RaydiumPoolsURL, stats, cfg.Filter.MinAge, cfg.Filter.MaxAge, cfg.DiscoveryLimit))
		log.Info().Str("url", cfg.RaydiumPoolsURL).Msg("📡 Raydium pool feed enabled")
	}
	discovery := feeds.NewMulti(sources...)

	// 5. Notifications
	var (
		notifier execution.Notifier = bot.LogNotifier{}
		tg       *bot.TelegramBot
	)
	if cfg.TelegramToken != "" {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Error().Err(err).Msg("Telegram unavailable, notifications go to the log")
		} else {
			tg.Start()
			notifier = tg
		}
	}

	// 6. Execution
	executor := execution.NewExecutor(swapper, chain, cfg.ConfirmTimeout)
	entryCfg := execution.EntryConfig{
		Amount:       cfg.BuyAmountLamports(),
		MinLiquidity: cfg.Filter.MinLiquidity,
	}
	if signer != nil {
		entryCfg.Owner = signer.PublicKey()
	}
	entry := execution.NewEntryExecutor(entryCfg, store, executor, stats, journal, notifier)
	monitor := execution.NewExitMonitor(store, executor, cfg.Exit, journal, notifier, cfg.MaxConcurrentExits)

	// 7. Engine
	engine := core.NewEngine(core.Config{
		Mode:                 mode,
		ScanInterval:         cfg.ScanInterval,
		MonitorInterval:      cfg.MonitorInterval,
		MaxConcurrentEntries: cfg.MaxConcurrentEntries,
		ShutdownGrace:        cfg.ShutdownGrace,
	}, core.Deps{
		Discovery:  discovery,
		Router:     core.NewRouter(cfg.Filter, cfg.SeenTTL),
		Entry:      entry,
		Monitor:    monitor,
		Reconciler: execution.NewReconciler(store, notifier),
		Store:      store,
		Notifier:   notifier,
		Runners:    runners,
	})

	if tg != nil {
		src := bot.Sources{Engine: engine, Positions: store, Trades: history}
		if signer != nil {
			src.Wallet, src.Address = solana, signer.PublicKey()
		}
		tg.SetSources(src)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// RUN
	// ═══════════════════════════════════════════════════════════════════════════════

	log.Info().
		Str("buy", cfg.BuyAmountSOL.String()+" SOL").
		Str("tp", cfg.Exit.ProfitTarget.String()+"x").
		Str("sl", cfg.Exit.StopLoss.String()+"x").
		Msg("⚡ Pumpbot running. Press Ctrl+C to stop")

	runErr := engine.Run(ctx)

	// ═══════════════════════════════════════════════════════════════════════════════
	// SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	if tg != nil {
		tg.Stop()
	}
	// The SQL store shares the connection and closed it already.
	if tradeLog != nil && cfg.StoreBackend != "sql" {
		if err := tradeLog.Close(); err != nil {
			log.Error().Err(err).Msg("Journal close failed")
		}
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("👋 Pumpbot stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("👋 Pumpbot stopped")
}
