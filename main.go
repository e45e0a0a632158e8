package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"copytrade-worker/api"
	"copytrade-worker/config"
	"copytrade-worker/storage"
	"copytrade-worker/syncer"
)

func main() {
	log.Println("[Worker] Starting copy-trade detection worker...")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("[Worker] No .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load config
	cfgPath := os.Getenv("COPYTRADE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[Worker] Failed to load config: %v", err)
	}

	// Initialize storage
	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("[Worker] Failed to init storage: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Worker] Failed to ensure schema: %v", err)
	}

	market := api.NewMarketClient(api.MarketClientConfig{
		GammaURL:   cfg.Market.GammaURL,
		CLOBURL:    cfg.Market.CLOBURL,
		DataAPIURL: cfg.Market.DataAPIURL,
		RelayerURL: cfg.Market.RelayerURL,
		Timeout:    time.Duration(cfg.Market.TimeoutMS) * time.Millisecond,
	})

	tracker := syncer.NewOrderTracker(store)

	// Telegram is optional; without credentials alerts go to the log
	var notifier syncer.Notifier
	botToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if botToken != "" && chatID != "" {
		notifier = syncer.NewTelegramNotifier(botToken, chatID)
		log.Println("[Worker] Telegram notifications enabled")
	} else {
		log.Println("[Worker] Telegram notifications disabled (no credentials)")
	}

	monitor := syncer.NewCopyTradingMonitor(cfg, store, market, tracker)
	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("[Worker] Failed to start monitor: %v", err)
	}
	defer monitor.Stop()

	checker := syncer.NewPositionChecker(cfg.Reconcile, store, market, tracker, notifier)
	if err := checker.Start(ctx); err != nil {
		log.Fatalf("[Worker] Failed to start position checker: %v", err)
	}
	defer checker.Stop()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[Worker] Running... Press Ctrl+C to stop")

	<-stop
	log.Println("[Worker] Shutting down...")
	cancel()
}
