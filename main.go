package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-engine/config"
	"futures-signal-engine/internal/api"
	"futures-signal-engine/internal/cache"
	"futures-signal-engine/internal/database"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/exchange"
	"futures-signal-engine/internal/gates"
	"futures-signal-engine/internal/learning"
	"futures-signal-engine/internal/lifecycle"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/monitoring"
	"futures-signal-engine/internal/notification"
	"futures-signal-engine/internal/outcome"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/risk"
	"futures-signal-engine/internal/scheduler"
	"futures-signal-engine/internal/scoring"
	"futures-signal-engine/internal/secrets"
	"futures-signal-engine/internal/signal"
	"futures-signal-engine/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars override)")
	samplePath := flag.String("generate-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *samplePath != "" {
		if err := config.GenerateSampleConfig(*samplePath); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("sample config written to %s\n", *samplePath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().
		Str("interval", string(cfg.Universe.Interval)).
		Int("symbols", len(cfg.Universe.Symbols)).
		Bool("auto_discover", cfg.Universe.AutoDiscover).
		Msg("futures signal engine booting")

	ctx := context.Background()

	// ============================================================
	// Secrets
	// ============================================================
	provider, err := secrets.NewProvider(cfg.Vault, logging.Component(logger, "secrets"))
	if err != nil {
		logger.Fatal().Err(err).Msg("secret provider init failed")
	}
	cfg.Database.URL = provider.GetOr(ctx, secrets.KeyDatabaseURL, cfg.Database.URL)
	cfg.Telegram.BotToken = provider.GetOr(ctx, secrets.KeyTelegramToken, cfg.Telegram.BotToken)
	cfg.API.JWTSecret = provider.GetOr(ctx, secrets.KeyJWTSecret, cfg.API.JWTSecret)
	cfg.Redis.Password = provider.GetOr(ctx, secrets.KeyRedisPassword, cfg.Redis.Password)

	// ============================================================
	// Storage
	// ============================================================
	// The engine never ticks without persistence: block here until the
	// database is reachable and migrated.
	var db *database.DB
	retryUntil(logger, "database connect", func() error {
		var err error
		db, err = database.NewDB(ctx, cfg.Database, logging.Component(logger, "database"))
		if err != nil {
			return err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return err
		}
		return nil
	})
	defer db.Close()

	cacheSvc, err := cache.NewService(cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis init failed")
	}
	if cacheSvc != nil {
		defer cacheSvc.Close()
	}

	// ============================================================
	// Core plumbing
	// ============================================================
	bus := events.NewEventBus()
	metrics := monitoring.New()
	metrics.Observe(bus)

	store := market.NewCandleStore(0)
	client := exchange.NewClient(cfg.Exchange, logging.Component(logger, "exchange"))

	// Delivery is optional: without a bot token the engine still evaluates
	// and persists signals, it just has nowhere to send them.
	var dispatcher *notification.Dispatcher
	if cfg.Telegram.BotToken != "" {
		telegram := notification.NewTelegram(cfg.Telegram, logging.Component(logger, "telegram"))
		dispatcher = notification.NewDispatcher(cfg.Notification, telegram, db, bus, logging.Component(logger, "dispatcher"))
	} else {
		logger.Warn().Msg("telegram bot token not set, signal delivery disabled")
	}

	// ============================================================
	// Evaluation stack
	// ============================================================
	regimes := regime.NewDetector(cfg.Regime, store, bus, logging.Component(logger, "regime"))
	patterns := pattern.NewRegistry(true)
	predictor := scoring.NewPredictor(cfg.Scoring)
	composite := strategy.NewEngine()
	riskMgr := risk.NewManager(cfg.Correlation, cfg.Universe.Interval, store, db, logging.Component(logger, "risk"))
	pipeline := gates.NewPipeline(cfg.Gates, riskMgr, logging.Component(logger, "gates"))
	sizer := risk.NewSizer(cfg.Sizing)

	// Assign the concrete dispatcher only when it exists, so the nil
	// guards inside the emitter and the lifecycle manager see a nil
	// interface rather than a non-nil interface holding a nil pointer.
	var emitDispatch signal.Dispatcher
	var updater lifecycle.Updater
	if dispatcher != nil {
		emitDispatch = dispatcher
		updater = dispatcher
	}

	emitter := signal.NewEmitter(cfg.Signal, db, emitDispatch, bus, logging.Component(logger, "signal"))
	recorder := outcome.NewRecorder(db, bus, logging.Component(logger, "outcome"))
	positions := lifecycle.NewManager(cfg.Lifecycle, store, db, recorder, riskMgr, updater, bus, logging.Component(logger, "lifecycle"))
	learner := learning.NewController(cfg.Learning, db, bus, logging.Component(logger, "learning"))

	// ============================================================
	// Restart recovery
	// ============================================================
	// Recovery reads block boot the same way the initial connect does.
	retryUntil(logger, "parameter snapshot load", func() error {
		version, err := learner.Load(ctx)
		if err == nil {
			logger.Info().Int("version", version).Msg("parameter snapshot loaded")
		}
		return err
	})
	retryUntil(logger, "position rehydrate", func() error {
		n, err := positions.Rehydrate(ctx)
		if err == nil && n > 0 {
			logger.Info().Int("positions", n).Msg("open positions rehydrated")
		}
		return err
	})
	retryUntil(logger, "risk book rehydrate", func() error {
		n, err := riskMgr.Rehydrate(ctx)
		if err == nil && n > 0 {
			logger.Info().Int("positions", n).Msg("risk book rehydrated")
		}
		return err
	})

	// ============================================================
	// Scheduler
	// ============================================================
	users := append([]string(nil), cfg.Scheduler.Users...)
	if len(users) == 0 {
		for userID := range cfg.Telegram.ChatIDs {
			users = append(users, userID)
		}
		sort.Strings(users)
	}
	if len(users) == 0 {
		logger.Fatal().Msg("no users configured: set scheduler.users or telegram.chat_ids")
	}
	schedCfg := cfg.Scheduler
	schedCfg.Users = users

	sched, err := scheduler.New(schedCfg, cfg.Universe, scheduler.Deps{
		Exchange:   client,
		Store:      store,
		Regimes:    regimes,
		Patterns:   patterns,
		Predictor:  predictor,
		Composite:  composite,
		Pipeline:   pipeline,
		Risk:       riskMgr,
		Sizer:      sizer,
		Emitter:    emitter,
		Lifecycle:  positions,
		Learning:   learner,
		Dispatcher: dispatcher,
		Persist:    db,
		Cache:      cacheSvc,
		Metrics:    metrics,
		Bus:        bus,
	}, logging.Component(logger, "scheduler"))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler wiring invalid")
	}

	// ============================================================
	// API server
	// ============================================================
	server := api.NewServer(cfg.API, sched, regimes, learner, bus, metrics.Handler(), logger)
	server.AddHealthCheck("database", db.HealthCheck)
	if cacheSvc != nil {
		server.AddHealthCheck("redis", cacheSvc.Ping)
	}
	if provider.VaultEnabled() {
		server.AddHealthCheck("vault", provider.Health)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go server.Hub().Run(runCtx)

	apiErr := make(chan error, 1)
	go func() { apiErr <- server.Start() }()

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(runCtx) }()

	logger.Info().
		Int("users", len(users)).
		Str("api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)).
		Bool("delivery", dispatcher != nil).
		Msg("engine started")

	// ============================================================
	// Shutdown
	// ============================================================
	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	schedStopped := false
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-schedErr:
		schedStopped = true
		if err != nil {
			logger.Error().Err(err).Msg("scheduler exited")
		}
	case err := <-apiErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api shutdown failed")
	}
	if !schedStopped {
		select {
		case <-schedErr:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("scheduler did not stop within the shutdown grace period")
		}
	}

	logger.Info().Msg("engine stopped")
}

// retryUntil runs step until it succeeds, backing off up to 30s between
// attempts. Startup persistence failures keep the engine from ticking but
// never kill the process; only SIGINT/SIGTERM gets it out of this loop.
func retryUntil(logger zerolog.Logger, what string, step func() error) {
	for wait := 3 * time.Second; ; {
		err := step()
		if err == nil {
			return
		}
		logger.Warn().Err(err).Dur("retry_in", wait).Msgf("%s failed, retrying", what)
		time.Sleep(wait)
		if wait < 30*time.Second {
			wait += 3 * time.Second
		}
	}
}
