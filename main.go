package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gagliardetto/solana-go/rpc"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-ultibot/api"
	"solana-ultibot/config"
	"solana-ultibot/crypto"
	"solana-ultibot/events"
	"solana-ultibot/internal/engine"
	"solana-ultibot/internal/funding"
	"solana-ultibot/internal/observability"
	"solana-ultibot/internal/rpcguard"
	isolana "solana-ultibot/internal/solana"
	"solana-ultibot/storage"
	"solana-ultibot/trading"
)

func main() {
	configPath := flag.String("config", "config/config.json", "Config path")
	flag.Parse()

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Println("\n" + strings.Repeat("=", 80))
	cyan.Println("SOLANA ULTIBOT")
	cyan.Println(strings.Repeat("=", 80) + "\n")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("config error")
	}
	setupLogging(cfg.Log)

	vault, err := crypto.NewVault(cfg.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("vault unavailable, refusing to start")
	}

	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	// one guard for every remote call in the process
	guard := rpcguard.New(
		rpcguard.WithThrottle(rpcguard.NewThrottle(cfg.RateLimits.RPCConcurrency, cfg.RateLimits.RPCSpacing())),
		rpcguard.WithMaxRetries(cfg.RateLimits.MaxRetries),
		rpcguard.WithBackoff(cfg.RateLimits.BackoffBase(), cfg.RateLimits.BackoffMax()),
		rpcguard.WithRetryHook(observability.RecordRetry),
	)

	rpcClient := rpc.New(cfg.RPCURL)
	chain := trading.NewChain(rpcClient, guard)

	var submitter trading.Submitter = trading.NewRPCSubmitter(chain)
	if cfg.Trading.UseJito {
		submitter = trading.NewJitoSubmitter(chain, cfg.Trading.JitoBlockEngineURL, cfg.Trading.JitoTipLamports)
		log.Info().Str("block_engine", cfg.Trading.JitoBlockEngineURL).Uint64("tip", cfg.Trading.JitoTipLamports).Msg("submitting through Jito bundles")
	}

	jupiter := trading.NewJupiterProvider(trading.JupiterConfig{
		QuoteURL:            cfg.APIs.JupiterQuoteURL,
		SwapURL:             cfg.APIs.JupiterSwapURL,
		PriceURL:            cfg.APIs.JupiterPriceURL,
		PriorityFeeLamports: cfg.Trading.PriorityFeeLamports,
	}, guard, submitter)
	raydium := trading.NewRaydiumProvider(cfg.APIs.RaydiumAPIURL, chain, submitter)
	router := trading.NewRouter(jupiter, raydium)

	birdeye := api.NewClient(cfg.APIs.BirdeyeURL, guard, cfg.APIs.BirdeyeAPIKey, cfg.APIs.BirdeyeFallbackKeys)
	sources := []trading.PriceSource{trading.NewDexScreener(cfg.APIs.DexScreenerURL, guard)}
	if cfg.APIs.BirdeyeAPIKey != "" {
		sources = append(sources, trading.NewBirdeyeSource(birdeye))
	}
	sources = append(sources, trading.NewJupiterPriceSource(jupiter), trading.NewPoolPriceSource(raydium))
	prices := trading.NewPriceResolver(cfg.Engine.PriceLastKnownTTL(), sources...)

	mints := isolana.NewMintInfoCache(rpcClient, guard, cfg.Engine.MintInfoTTL())
	holders := isolana.NewHolderTracker(
		isolana.NewHolderScanner(isolana.NewRPCAccountSource(rpcClient, guard)),
		cfg.Engine.HolderScanInterval(),
		cfg.Engine.HolderScanTimeout(),
	)

	// event stream
	hub := events.NewHub()
	go hub.Run(ctx)
	publishers := events.Multi{hub}

	if cfg.Redis.Enabled {
		rdb, err := events.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		publishers = append(publishers, events.NewRedisPublisher(rdb, cfg.Redis.Channel, cfg.Redis.RecentMax))
		log.Info().Str("addr", cfg.Redis.Address).Str("channel", cfg.Redis.Channel).Msg("publishing events to Redis")
	}

	var notifier *events.TelegramNotifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != 0 {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			log.Error().Err(err).Msg("telegram unavailable, alerts disabled")
		} else {
			notifier = events.NewTelegramNotifier(bot, cfg.Telegram.ChatID)
			notifier.Start(ctx)
			publishers = append(publishers, notifier)
			log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", cfg.Telegram.ChatID).Msg("telegram alerts enabled")
		}
	}

	deps := engine.Deps{
		DB:        db,
		Vault:     vault,
		Swapper:   router,
		Prices:    prices,
		Mints:     mints,
		Holders:   holders,
		Balances:  chain,
		Funding:   funding.NewCalculator(cfg.Engine.FundingCacheTTL()),
		Publisher: publishers,
		Direct:    trading.NewDirectTransferrer(chain, submitter),
	}
	if cfg.Trading.PrivacyRouting {
		deps.Privacy = trading.NewPrivacyTransferrer(publishers)
	}

	eng := engine.New(deps, engine.Options{
		TickPeriod:      cfg.Engine.TickPeriod(),
		BuyConcurrency:  cfg.Engine.BuyConcurrency,
		SellConcurrency: cfg.Engine.SellConcurrency,
		FeeReserve:      cfg.Engine.FeeReserveLamports,
		RPCURL:          cfg.RPCURL,
	})

	// manual commands are only reachable through the admin guard
	admin, err := engine.NewAdmin(eng, cfg.AdminPasswordHash)
	if err != nil {
		log.Fatal().Err(err).Msg("refusing to start")
	}

	janitor := engine.NewJanitor(db, cfg.Engine.EventRetention(), engine.DefaultJanitorPeriod)
	janitor.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", hub)
	mux.Handle("/admin/", newAdminHandler(admin))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server started (metrics, events, admin)")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			cancel()
		}
	}()

	eng.Start(ctx)
	color.New(color.FgGreen, color.Bold).Println("engine running")

	<-ctx.Done()

	eng.Stop()
	janitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	wg.Wait()
	if notifier != nil {
		notifier.Wait()
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(c config.LogSettings) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "ultibot").Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "ultibot").Logger()
}
