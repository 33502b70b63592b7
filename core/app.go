package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/api"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/bot"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/breaker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/config"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/execution"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/feeds"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/monitor"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/options"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/reconcile"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/scheduler"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/strategy"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// APP - Composition root and lifecycle
// ═══════════════════════════════════════════════════════════════════════════════
//
// Build order is leaf-first: storage → cache → breakers → broker → risk →
// options → control → executor (strategies registered) → feed → reconciler →
// monitor → bot → api. Start brings components up in the same order; Stop
// tears down in exact reverse, so nothing runs against a dependency that is
// already gone.
//
// The bot is optional: without Telegram credentials the engine runs with
// operator alerts disabled.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	stopGrace = 5 * time.Second

	// Reconciliation cycles may be mid-flight against the broker; they get a
	// longer leash than everything else.
	schedulerGrace = 10 * time.Second
)

type App struct {
	cfg *config.Config

	pg       *storage.Postgres
	store    storage.Store
	cache    *cache.Cache
	breakers *breaker.Set
	broker   broker.Broker
	risk     *risk.Engine
	resolver *options.Resolver
	control  *control.Service
	executor *execution.Executor
	feed     *feeds.Worker
	recon    *reconcile.Worker
	monitor  *monitor.Monitor
	sched    *scheduler.Scheduler
	bot      *bot.TelegramBot // nil when Telegram is not configured
	api      *api.Server

	session    *types.TradingSession
	strategies []string
}

func New(cfg *config.Config) (*App, error) {
	if len(cfg.FeedSymbols) == 0 {
		return nil, fmt.Errorf("no feed symbols configured")
	}

	pg, err := storage.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	a := &App{cfg: cfg, pg: pg, store: pg}
	a.cache = cache.New(cfg.RedisURL)
	a.breakers = breaker.NewSet(pg)
	a.broker = broker.NewFyers(broker.Config{
		APIURL:       cfg.FyersAPIURL,
		WSURL:        cfg.FyersWSURL,
		AppID:        cfg.FyersAppID,
		SecretID:     cfg.FyersSecretID,
		AccessToken:  cfg.FyersAccessToken,
		RefreshToken: cfg.FyersRefreshToken,
		PIN:          cfg.FyersPIN,
		DryRun:       cfg.DryRun,
	})
	a.risk = risk.NewEngine(pg, a.broker, a.breakers, a.cache, cfg.MarginFactor.InexactFloat64())
	a.resolver = options.NewResolver(options.Config{})
	a.control = control.NewService(pg)
	a.executor = execution.New(pg, a.broker, a.risk, a.breakers, a.resolver, execution.Config{
		DryRun:       cfg.DryRun,
		OrderQty:     cfg.LotSize,
		LotSize:      cfg.LotSize,
		PollInterval: cfg.ControlPollInterval,
		BufferSize:   cfg.TickBufferSize,
	})

	symbol := cfg.FeedSymbols[0]
	a.register("FAILED_AUCTION_B1", symbol, "failed_auction", strategy.NewFailedAuction())
	a.register("STAT_SNIPER_01", symbol, "statistical_sniper", strategy.NewStatisticalSniper())

	a.feed = feeds.New(a.broker, pg, a.cache, feeds.Config{Symbols: cfg.FeedSymbols})
	a.feed.RegisterHandler(a.executor.OnTick)

	a.recon = reconcile.New(pg, a.broker, a.risk, reconcile.Config{DryRun: cfg.DryRun})
	a.monitor = monitor.New(pg, a.executor)

	a.sched = scheduler.New()
	if err := a.sched.Every(cfg.ReconcileInterval, a.recon); err != nil {
		return nil, err
	}
	if err := a.sched.Every(monitor.DefaultInterval, a.monitor); err != nil {
		return nil, err
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		b, err := bot.New(bot.Config{
			Token:  cfg.TelegramToken,
			ChatID: cfg.TelegramChatID,
			DryRun: cfg.DryRun,
		}, pg, a.control, a.risk, a.feed)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot = b
		a.executor.SetNotifier(b)
		a.risk.SetKillHook(b.AlertKillSwitch)
	} else {
		log.Warn().Msg("Telegram not configured, operator alerts disabled")
	}

	a.api = api.New(api.Config{
		Addr:     cfg.APIAddr,
		Store:    pg,
		Control:  a.control,
		Risk:     a.risk,
		Breakers: a.breakers,
		Feed:     a.feed,
		DryRun:   cfg.DryRun,
	})
	return a, nil
}

func (a *App) register(name, symbol, strategyType string, s strategy.Strategy) {
	a.executor.Register(name, symbol, strategyType, s)
	a.strategies = append(a.strategies, name)
}

// Start bootstraps today's session row, then brings components up in build
// order. A session that already has the kill switch tripped stays tripped;
// a restart never re-arms trading.
func (a *App) Start(ctx context.Context) error {
	session, err := a.store.GetOrCreateSession(ctx, time.Now().UTC(), storage.SessionLimits{
		MaxDailyLoss:     a.cfg.MaxDailyLoss,
		MaxPositionSize:  a.cfg.MaxPositionSize,
		MaxOpenPositions: a.cfg.MaxOpenPositions,
		MaxMarginPct:     a.cfg.MaxMarginPct,
		MaxLotSize:       a.cfg.MaxLotSize,
	})
	if err != nil {
		return fmt.Errorf("session bootstrap: %w", err)
	}
	a.session = session
	if session.IsKilled {
		log.Warn().
			Str("reason", string(session.KillReason)).
			Str("killed_by", session.KilledBy).
			Msg("🚨 Session starts with the kill switch active")
	}

	// Symbol master sync is best-effort; resolution falls back to the
	// synthetic expiry series until it lands.
	go a.resolver.Warm(ctx)

	if err := a.executor.Start(ctx, session.ID); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	a.feed.Start()
	a.sched.Start()

	if a.bot != nil {
		a.bot.Start()
		a.bot.NotifyStartup(a.strategies)
	}

	go func() {
		if err := a.api.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("💥 HTTP surface failed")
		}
	}()

	log.Info().
		Str("session", session.ID).
		Int("strategies", len(a.strategies)).
		Bool("dry_run", a.cfg.DryRun).
		Msg("🚀 All systems running")
	return nil
}

// Stop tears down in exact reverse start order with bounded grace.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP surface shutdown incomplete")
	}

	if a.bot != nil {
		a.bot.Stop()
	}

	a.sched.Stop(schedulerGrace)
	a.feed.Stop()
	a.executor.Stop()

	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Cache close failed")
	}
	if err := a.pg.Close(); err != nil {
		log.Warn().Err(err).Msg("Database close failed")
	}
	log.Info().Msg("🛑 Engine stopped")
}
