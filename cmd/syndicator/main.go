package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crosspost/internal/adapters"
	"crosspost/internal/api"
	"crosspost/internal/config"
	"crosspost/internal/database"
	"crosspost/internal/domain"
	"crosspost/internal/enforcer"
	"crosspost/internal/events"
	"crosspost/internal/export"
	"crosspost/internal/logging"
	"crosspost/internal/metrics"
	"crosspost/internal/models"
	"crosspost/internal/notify"
	"crosspost/internal/orchestrator"
	"crosspost/internal/ratelimit"
	"crosspost/internal/repository"
	"crosspost/internal/scheduler"
	"crosspost/internal/service"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func(c io.Closer) { _ = c.Close() })(closer)
	}

	if err := prepareDirectories(cfg, &logger); err != nil {
		return err
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка инициализации базы данных")
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queue, trips, sink := initRedisBackedStores(ctx, cfg, &logger)

	registry, err := buildRegistry(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Ошибка конфигурации платформ")
		return err
	}

	controller := buildController(cfg, trips)
	bus := events.NewEventBus()

	notifier, err := notify.NewTelegram(cfg.Alerts.Telegram, &logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Telegram alerts disabled")
	}

	svc := service.NewSyndication(db, db, db, db, queue, registry, controller, bus, &logger)

	metrics.Register()
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	orch := orchestrator.New(db, db, db, db, queue, registry, controller, sink, notifier, bus, orchestrator.Config{
		Workers:        cfg.Syndication.Workers,
		MaxAttempts:    cfg.Syndication.MaxAttempts,
		AdapterTimeout: cfg.Syndication.AdapterTimeout.Std(),
		PollInterval:   cfg.Syndication.PollInterval.Std(),
		QueueWait:      cfg.Syndication.QueueWait.Std(),
	}, &logger)
	go orch.Start(ctx)

	sched := scheduler.New(svc, db, db, db, scheduler.Config{
		RenewIntervals:      renewIntervals(cfg),
		MetricsPollInterval: cfg.Syndication.MetricsPollInterval.Std(),
		JobRetention:        cfg.Syndication.JobRetention.Std(),
		LeaseTimeout:        cfg.Syndication.LeaseTimeout.Std(),
	}, &logger)
	go sched.Start(ctx)

	enf := enforcer.New(svc, db, cfg.Syndication.SweepInterval.Std(), &logger)
	enf.Subscribe(ctx, bus)
	go enf.Start(ctx)

	if cfg.Backup.Enabled {
		backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
		go backupService.Start(ctx)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		reporter := export.NewReporter(db, cfg.Exports, &logger)
		apiServer = api.NewServer(cfg.API, svc, reporter, &logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
	}

	logger.Info().Str("env", cfg.App.Environment).Msg("syndication engine started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if apiServer != nil {
		_ = apiServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("Shutdown complete.")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, err
	}
	logger := baseLogger.With().Str("component", "main").Logger()
	return cfg, logger, closer, nil
}

func prepareDirectories(cfg *config.Config, logger *zerolog.Logger) error {
	if cfg == nil {
		return os.ErrInvalid
	}
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			logger.Error().Err(err).Msg("Ошибка создания директории для базы данных")
			return err
		}
	}
	if cfg.Exports.Path != "" {
		if err := os.MkdirAll(cfg.Exports.Path, 0o755); err != nil {
			logger.Error().Err(err).Msg("Ошибка создания директории для экспорта")
			return err
		}
	}
	return nil
}

// initRedisBackedStores wires the queue, trip state and metrics sink. Redis
// is optional; without it the engine runs on in-process fallbacks and loses
// only cross-restart queue carry-over, not correctness (the DB poller picks
// up whatever the queue drops).
func initRedisBackedStores(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.JobQueue, domain.TripStore, domain.MetricsSink) {
	if cfg.Redis.Address == "" {
		logger.Info().Msg("Redis not configured, using in-memory queue and trip store")
		return repository.NewMemoryJobQueue(1024), repository.NewMemoryTripStore(), nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable")
	}

	trips := repository.NewFailoverTripStore(
		repository.NewRedisTripStore(redisClient, 24*time.Hour),
		repository.NewMemoryTripStore(),
		logger,
	)
	return repository.NewRedisJobQueue(redisClient), trips, repository.NewRedisMetricsSink(redisClient)
}

func buildRegistry(cfg *config.Config) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()
	for _, p := range cfg.Platforms {
		timeout := p.Timeout.Std()
		switch p.Name {
		case models.PlatformOfferUp:
			registry.Register(adapters.NewOfferUpAdapter(p.BaseURL, timeout))
		case models.PlatformCraigslist:
			registry.Register(adapters.NewCraigslistAdapter(p.BaseURL, timeout))
		case models.PlatformFacebook:
			registry.Register(adapters.NewFacebookAdapter(p.BaseURL, timeout))
		case models.PlatformEbay:
			oauthCfg := &oauth2.Config{
				ClientID:     p.OAuth.ClientID,
				ClientSecret: p.OAuth.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.OAuth.AuthURL,
					TokenURL: p.OAuth.TokenURL,
				},
			}
			registry.Register(adapters.NewEbayAdapter(p.BaseURL, oauthCfg, timeout))
		default:
			return nil, fmt.Errorf("unknown platform in config: %s", p.Name)
		}
	}
	return registry, nil
}

func buildController(cfg *config.Config, trips domain.TripStore) *ratelimit.Controller {
	limits := make(map[string]ratelimit.Limits, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		limits[p.Name] = ratelimit.Limits{RPS: p.RPS, Burst: p.Burst}
	}
	backoff := ratelimit.BackoffPolicy{
		Base: cfg.Syndication.BackoffBase.Std(),
		Cap:  cfg.Syndication.BackoffCap,
	}
	return ratelimit.NewController(limits, backoff, cfg.Syndication.TripThreshold, trips)
}

func renewIntervals(cfg *config.Config) map[string]time.Duration {
	intervals := make(map[string]time.Duration, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		if p.RenewInterval > 0 {
			intervals[p.Name] = p.RenewInterval.Std()
		}
	}
	return intervals
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
