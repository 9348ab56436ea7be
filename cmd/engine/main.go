// Package main is the entry point for the walletscout discovery engine.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/walletscout/engine/internal/batch"
	"github.com/walletscout/engine/internal/config"
	"github.com/walletscout/engine/internal/ingest"
	"github.com/walletscout/engine/internal/price"
	"github.com/walletscout/engine/internal/stats"
	"github.com/walletscout/engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("walletscout starting", "version", "1.0.0")
	slog.Info("config_loaded",
		"feed_ws_url", cfg.FeedWSURL,
		"program", cfg.ProgramAddress,
		"database_url", cfg.MaskedDatabaseURL(),
		"flush_interval", cfg.FlushInterval,
		"flush_strategy", cfg.FlushStrategy,
		"buffer_threshold", cfg.BufferThreshold,
		"reconnect_delay", cfg.ReconnectDelay,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Persistence
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		slog.Error("schema_init_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database_ready")

	tracked, err := db.LoadTrackedWallets(ctx)
	if err != nil {
		slog.Error("tracked_wallets_load_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("tracked_wallets_loaded", "count", len(tracked))

	var wg sync.WaitGroup

	// Price cache refreshes on its own schedule; ingestion reads it without
	// ever blocking.
	priceCache := price.New(cfg.PriceEndpoint, cfg.PriceRefreshInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		priceCache.Run(ctx)
	}()

	// Event batcher: timer-driven flush with a size-threshold fast path.
	sink := batch.SinkFunc(db.InsertEventsAtomic)
	if cfg.FlushStrategy == config.StrategyBestEffort {
		sink = func(ctx context.Context, events []store.TradeEvent) error {
			_, err := db.InsertEventsBestEffort(ctx, events)
			return err
		}
	}
	batcher := batch.New(sink, cfg.FlushInterval, cfg.BufferThreshold)
	wg.Add(1)
	go func() {
		defer wg.Done()
		batcher.Run(ctx)
	}()

	// Statistics engine consumes events inline and mirrors to Postgres.
	engine := stats.NewEngine(db)

	// Periodic leaderboard log.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.LeaderboardInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logLeaderboard(engine, cfg.LeaderboardSize)
			}
		}
	}()

	processor := ingest.NewProcessor(cfg.ProgramAddress, tracked, priceCache, batcher, engine)
	listener := ingest.NewListener(cfg.FeedWSURL, cfg.ProgramAddress, cfg.ReconnectDelay, processor)
	listener.Start(ctx)

	slog.Info("engine_started", "status", "listening for transactions")

	sig := <-sigChan
	slog.Info("shutdown_signal_received", "signal", sig.String())

	listener.Stop()
	cancel()
	wg.Wait()

	slog.Info("shutdown_complete")
}

// logLeaderboard emits the current top wallets by profit score.
func logLeaderboard(engine *stats.Engine, size int) {
	top := engine.TopWallets(size)
	if len(top) == 0 {
		return
	}
	for i, w := range top {
		slog.Info("leaderboard",
			"rank", i+1,
			"wallet", w.Wallet,
			"score", w.ProfitScore,
			"net_pnl_sol", w.NetPnLSol,
			"win_rate", w.WinRate,
			"trades", w.TotalTrades,
		)
	}
}

// setupLogger creates a structured logger with the specified level.
// Format: 2025-01-04 14:32:01 [INFO]  message key=value
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05"))
				}
			}
			return a
		},
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}
