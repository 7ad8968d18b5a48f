package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/api"
	"nifty-options-bot/internal/auth"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/candles"
	"nifty-options-bot/internal/credentials"
	"nifty-options-bot/internal/database"
	"nifty-options-bot/internal/history"
	"nifty-options-bot/internal/indicators"
	"nifty-options-bot/internal/ingest"
	"nifty-options-bot/internal/logging"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/options"
	"nifty-options-bot/internal/position"
	"nifty-options-bot/internal/scheduler"
	"nifty-options-bot/internal/trend"
	"nifty-options-bot/internal/upstox"
	"nifty-options-bot/internal/users"
	"nifty-options-bot/internal/vault"

	"github.com/rs/zerolog"
)

func main() {
	sampleConfig := flag.String("sample-config", "", "write a config file with defaults to this path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample configuration written to %s\n", *sampleConfig)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info().Bool("dry_run", cfg.TradingConfig.DryRun).Msg("Starting NIFTY options bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := market.NewSession(cfg.MarketConfig, cfg.TradingConfig)
	if err != nil {
		return err
	}
	expiryDay, err := config.ParseWeekday(cfg.MarketConfig.ExpiryWeekday)
	if err != nil {
		return err
	}
	cleanupAt, err := config.ParseClock(cfg.ScheduleConfig.CleanupAt)
	if err != nil {
		return err
	}

	// Shared cache
	store, err := cache.NewCacheService(cfg.RedisConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer store.Close()

	// User directory
	db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	repo := database.NewRepository(db)

	sealer, err := credentials.NewSealer(cfg.CryptoConfig.SecretKey)
	if err != nil {
		return fmt.Errorf("invalid token sealing key: %w", err)
	}
	directory := users.NewDirectory(repo, sealer, cfg.MarketConfig.LotSize, logger)

	// Feed owner token: Vault (or its in-memory cache when disabled), then config
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	owner := credentials.NewOwnerTokens(vaultClient, cfg.UpstoxConfig.AccessToken)
	if _, err := owner.Token(ctx); err != nil {
		logger.Warn().Err(err).Msg("No owner token yet, market data stages will fail until the owner logs in")
	}

	// Broker
	client := upstox.NewClient(cfg.UpstoxConfig)
	ownerBroker := client.WithTokenSource(owner.Token)
	var orderBroker upstox.API = client
	if cfg.TradingConfig.DryRun {
		orderBroker = upstox.NewMockClient()
		logger.Warn().Msg("Dry run: orders go to the mock broker")
	}

	// Push hub
	hub := api.NewUserHub(logger)
	go hub.Run(ctx)

	// Pipeline stages
	instrument := cfg.MarketConfig.InstrumentKey
	interval := cfg.MarketConfig.Interval
	sched := scheduler.New(logger)
	sc := cfg.ScheduleConfig

	sched.Every(sc.HistoryInterval, history.NewFetcher(store, ownerBroker, session, instrument, cfg.MarketConfig.HistoricalDays, logger), true)
	sched.Every(sc.MergeInterval, candles.NewBuilder(store, session, instrument, interval, logger), true)
	sched.Every(sc.SMAInterval, indicators.NewEngine(store, instrument, interval, logger), true)
	sched.Every(sc.TrendInterval, trend.NewClassifier(store, session, instrument, interval, logger), true)
	sched.Every(sc.OptionInterval, options.NewResolver(store, ownerBroker, session, options.ResolverConfig{
		Instrument:    instrument,
		StrikeStep:    cfg.MarketConfig.StrikeStep,
		ExpiryWeekday: expiryDay,
		Retries:       sc.OptionRetries,
		RetryDelay:    sc.OptionRetryDelay,
	}, logger), true)
	sched.Every(sc.OrderInterval, position.NewManager(store, orderBroker, directory, hub, session, position.Config{
		Instrument:       instrument,
		IndexName:        cfg.MarketConfig.IndexName,
		StoplossPoints:   cfg.TradingConfig.StoplossPoints,
		TargetPoints:     cfg.TradingConfig.TargetPoints,
		MaxTradesPerSide: cfg.TradingConfig.MaxTradesPerSide,
		Product:          cfg.TradingConfig.Product,
		LeaseTTL:         sc.OrderLeaseTTL,
		Workers:          sc.OrderWorkers,
	}, logger), false)
	sched.Every(time.Minute, scheduler.NewCleanup(store, session, cleanupAt, logger), true)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	// Tick ingestion runs for the life of the process and restarts itself
	feed := upstox.NewFeedWithTokenSource(cfg.UpstoxConfig, owner.Token)
	ingestor := ingest.NewIngestor(store, feed, instrument, cfg.FeedConfig, logger)
	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		ingestor.Supervise(ctx)
	}()

	// HTTP API
	var jwtManager *auth.JWTManager
	if cfg.AuthConfig.Enabled {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
	} else {
		logger.Warn().Msg("Dashboard authentication disabled")
	}
	server := api.NewServer(cfg.ServerConfig, api.Deps{
		Store:             store,
		Broker:            client,
		Users:             directory,
		Owner:             owner,
		Hub:               hub,
		JWT:               jwtManager,
		IndexName:         cfg.MarketConfig.IndexName,
		LoginURL:          upstox.AuthorizationURL(cfg.UpstoxConfig),
		OwnerBrokerUserID: cfg.UpstoxConfig.OwnerUserID,
		LeaseTTL:          sc.OrderLeaseTTL,
		Checks: []api.HealthCheck{
			{Name: "redis", Check: store.Ping},
			{Name: "database", Check: repo.HealthCheck},
			{Name: "vault", Check: vaultClient.Health},
		},
	}, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("HTTP server stopped")
	}
	stop()

	return shutdown(cfg, server, sched, ingestDone, logger)
}

func shutdown(cfg *config.Config, server *api.Server, sched *scheduler.Scheduler, ingestDone <-chan struct{}, logger zerolog.Logger) error {
	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down web server")
	}

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("Timed out waiting for running jobs")
	}

	select {
	case <-ingestDone:
	case <-shutdownCtx.Done():
	}

	logger.Info().Msg("Shutdown complete")
	return nil
}
