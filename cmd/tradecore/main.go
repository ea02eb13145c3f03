package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/marrowfx/tradecore/account"
	"github.com/marrowfx/tradecore/aggregator"
	"github.com/marrowfx/tradecore/broker"
	"github.com/marrowfx/tradecore/bus"
	"github.com/marrowfx/tradecore/config"
	"github.com/marrowfx/tradecore/executor"
	"github.com/marrowfx/tradecore/governor"
	"github.com/marrowfx/tradecore/idempotency"
	"github.com/marrowfx/tradecore/notify"
	"github.com/marrowfx/tradecore/orderbook"
	"github.com/marrowfx/tradecore/pipeline"
	"github.com/marrowfx/tradecore/reconciler"
	"github.com/marrowfx/tradecore/redact"
	"github.com/marrowfx/tradecore/safety"
	"github.com/marrowfx/tradecore/sizing"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Every log line passes through the redaction writer, so credentials
	// (broker passwords, bot tokens, DSNs) never reach the terminal or any
	// log shipper even if a component interpolates them into a message.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: redact.NewWriter(os.Stderr), TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════")
	log.Info().Msgf("            TRADECORE %s - ORDER LIFECYCLE ENGINE", version)
	log.Info().Msg("═══════════════════════════════════════════════════════")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config: failed to load")
	}

	if err := os.MkdirAll("data", 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 1: BUS + STORAGE
	// ═══════════════════════════════════════════════════════════════════

	b := bus.New()

	store, err := idempotency.Open(cfg.IdempotencyDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("idempotency: failed to open ledger")
	}
	log.Info().Str("path", cfg.IdempotencyDBPath).Msg("✅ idempotency ledger opened")

	book, err := orderbook.Open(cfg.OrderBookDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("orderbook: failed to open")
	}
	log.Info().Str("path", cfg.OrderBookDBPath).Msg("✅ order book opened")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 2: BROKER
	// ═══════════════════════════════════════════════════════════════════

	var gw broker.Gateway
	switch cfg.BrokerKind {
	case config.BrokerMT5:
		gw = broker.NewMT5(cfg.BrokerEndpoint)
	default:
		gw = broker.NewPaper(cfg.BrokerEndpoint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := gw.Connect(ctx); err != nil {
		if cfg.BrokerKind == config.BrokerMT5 {
			log.Error().Err(err).Msg("broker: MT5 bridge unreachable")
			os.Exit(2)
		}
		log.Warn().Err(err).Msg("broker: paper tick feed unavailable at startup, continuing on synthetic quotes")
	} else {
		log.Info().Str("kind", string(cfg.BrokerKind)).Msg("✅ broker connected")
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 3: RISK (governor, limits, safety gate, sizing metadata)
	// ═══════════════════════════════════════════════════════════════════

	gov, err := governor.New(governor.Config{
		SessionLimit:        cfg.GovernorSessionLimit,
		LossStreakThreshold: cfg.GovernorLossStreakThreshold,
		CooldownMinutes:     cfg.GovernorCooldownMinutes,
	}, cfg.GovernorStatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("governor: failed to load state")
	}

	limits, err := safety.NewLimitsManager(safety.LimitsConfig{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxTradesPerDay:  cfg.MaxTradesPerDay,
		MaxDailyLossPct:  cfg.MaxDailyLossPct,
		Enabled:          cfg.LimitsEnabled,
	}, cfg.LimitsStatePath)
	if err != nil {
		log.Fatal().Err(err).Msg("safety: failed to load limits state")
	}

	var news safety.NewsFeed
	if cfg.NewsEnabled && cfg.NewsFeedURL != "" {
		news = safety.NewCalendarFeed(cfg.NewsFeedURL)
	}

	gate := safety.New(safety.Config{
		Session:          safety.SessionWindow{Session: cfg.Session},
		SLMult:           cfg.SLMult,
		TPMult:           cfg.TPMult,
		MinATR:           cfg.MinATR,
		CooldownMult:     cfg.CooldownMult,
		RiskPct:          cfg.RiskPct,
		TimeframeMinutes: cfg.TimeframeMin,
		NewsEnabled:      cfg.NewsEnabled,
		NewsWindowMin:    cfg.NewsWindowMin,
		Countries:        []string{"US"},
	}, limits, news, sizing.SymbolInfo{
		TickSize:        cfg.TickSize,
		TickValuePerLot: cfg.TickValuePerLot,
		VolumeMin:       cfg.VolumeMin,
		VolumeMax:       cfg.VolumeMax,
		VolumeStep:      cfg.VolumeStep,
	})

	log.Info().Msg("✅ risk layer initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 4: EXECUTION (aggregator, executor, reconciler)
	// ═══════════════════════════════════════════════════════════════════

	agg := aggregator.New(aggregator.Mode(cfg.NettingMode), aggregator.Rule(cfg.ReduceRule))
	exec := executor.New(gw, store, book, agg, executor.Config{DryRun: cfg.DryRun})

	reconCfg := reconciler.DefaultConfig()
	reconCfg.PollInterval = cfg.PollInterval()
	r := reconciler.New(gw, book, b, reconCfg)

	log.Info().Msg("✅ execution layer initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 5: NOTIFICATIONS
	// ═══════════════════════════════════════════════════════════════════

	var sink notify.Sink = notify.NullSink{}
	if cfg.TelegramToken != "" {
		tgSink, err := notify.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Warn().Err(err).Msg("notify: telegram sink unavailable, falling back to null sink")
		} else {
			sink = tgSink
			log.Info().Msg("✅ telegram sink initialized")
		}
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 6: PIPELINE RUNTIME
	// ═══════════════════════════════════════════════════════════════════

	acct := account.NewTracker(gw, b, cfg.AccountEquity)

	pcfg := pipeline.DefaultConfig()
	pcfg.FillTimeout = cfg.FillTimeout()
	rt := pipeline.New(b, gov, gate, exec, book, r, sink, acct, pcfg)
	rt.Start(ctx)

	go heartbeat(ctx, b, store, time.Duration(cfg.IdempotencyRetentionDays)*24*time.Hour)

	log.Info().Str("symbol", cfg.Symbol).Str("broker", string(cfg.BrokerKind)).Bool("dry_run", cfg.DryRun).Msg("🚀 running")

	// ═══════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("🛑 shutdown signal received")
	cancel()
	rt.Shutdown()

	log.Info().Msg("👋 shutdown complete")
}

// heartbeat logs a periodic one-line health snapshot (bus counters plus
// process RSS/CPU) and runs the idempotency retention sweep.
func heartbeat(ctx context.Context, b *bus.Bus, store *idempotency.Store, retention time.Duration) {
	proc, procErr := process.NewProcess(int32(os.Getpid()))

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := b.Stats()
			ev := log.Info().
				Int64("events_published", stats.EventsPublished).
				Int64("handlers_called", stats.HandlersCalled).
				Int64("handler_errors", stats.HandlerErrors)
			if procErr == nil {
				if mem, err := proc.MemoryInfo(); err == nil {
					ev = ev.Uint64("rss_mb", mem.RSS/1024/1024)
				}
				if cpu, err := proc.CPUPercent(); err == nil {
					ev = ev.Float64("cpu_pct", cpu)
				}
			}
			ev.Msg("💓 heartbeat")

			if purged, err := store.PurgeOlderThan(time.Now().Add(-retention)); err != nil {
				log.Warn().Err(err).Msg("idempotency: retention sweep failed")
			} else if purged > 0 {
				log.Info().Int64("purged", purged).Msg("idempotency: retention sweep removed old rows")
			}
		}
	}
}
