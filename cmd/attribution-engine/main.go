package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sponsorstack/attribution-engine/internal/api"
	"github.com/sponsorstack/attribution-engine/internal/attribution"
	"github.com/sponsorstack/attribution-engine/internal/cache"
	"github.com/sponsorstack/attribution-engine/internal/config"
	"github.com/sponsorstack/attribution-engine/internal/engine"
	"github.com/sponsorstack/attribution-engine/internal/metrics"
	"github.com/sponsorstack/attribution-engine/internal/repo"
	"github.com/sponsorstack/attribution-engine/internal/resolver"
	"github.com/sponsorstack/attribution-engine/internal/roi"
	"github.com/sponsorstack/attribution-engine/internal/scheduler"
	"github.com/sponsorstack/attribution-engine/internal/services"
	"github.com/sponsorstack/attribution-engine/internal/store"
	"github.com/sponsorstack/attribution-engine/internal/utils"
	"github.com/sponsorstack/attribution-engine/internal/validator"
)

func paramsFrom(t config.TuningConfig) attribution.Params {
	return attribution.Params{
		HalfLife:    t.TimeDecayHalfLife,
		FirstWeight: t.PositionFirstWeight,
		LastWeight:  t.PositionLastWeight,
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting attribution-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NewMemoryProvider()
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, using in-memory cache", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Store.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	res := resolver.New(st, logger, cfg.Resolver.LookbackWindow)
	eng := engine.New(st, cacheProvider, logger, paramsFrom(cfg.Tuning),
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithResultTTL(cfg.Engine.ResultTTL),
	)
	costs := repo.NewCampaignCostClient(
		cfg.Campaigns.BaseURL,
		cfg.Campaigns.CostPath,
		cfg.Campaigns.Timeout,
		cacheProvider,
		cfg.Campaigns.CostTTL,
	)
	calc := roi.New(st, eng, costs, logger)
	val := validator.New(eng, st, logger, cfg.Tuning.MinValidationSample, cfg.Tuning.BiasThreshold)

	loader := config.NewLoader(configPath, cfg, logger)
	loader.OnChange(func(t config.TuningConfig) {
		eng.SetParams(paramsFrom(t))
		val.SetThresholds(t.MinValidationSample, t.BiasThreshold)
		logger.Info("tuning parameters reloaded")
	})
	if stopWatch, err := loader.Watch(); err != nil {
		logger.Warn("tuning hot reload disabled", slog.Any("error", err))
	} else {
		defer stopWatch()
	}

	service := services.NewAttributionService(logger, res, eng, calc, val, st)

	server, err := api.NewServer(cfg.Server, api.NewHandler(service, logger))
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(st, calc, val, logger, nil,
		cfg.Batch.AggregationInterval, cfg.Batch.ValidationInterval, cfg.Batch.UnitTimeout)
	go sched.Run(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("attribution-engine stopped")
}
