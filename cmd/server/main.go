// Package main provides the entry point for the signal backend server:
// live indicator monitoring, alerting and strategy backtests over Binance
// market data.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/signal-backend/internal/alerts"
	"github.com/atlas-desktop/signal-backend/internal/api"
	"github.com/atlas-desktop/signal-backend/internal/backtester"
	"github.com/atlas-desktop/signal-backend/internal/config"
	"github.com/atlas-desktop/signal-backend/internal/data"
	"github.com/atlas-desktop/signal-backend/internal/events"
	"github.com/atlas-desktop/signal-backend/internal/metrics"
	"github.com/atlas-desktop/signal-backend/internal/monitor"
	"github.com/atlas-desktop/signal-backend/internal/notify"
	"github.com/atlas-desktop/signal-backend/internal/workers"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := setupLogger("info")
		bootLogger.Fatal("Failed to load config", zap.Error(err))
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting signal backend",
		zap.String("addr", cfg.Server.Address()),
		zap.String("dataDir", cfg.Data.Dir),
		zap.String("history", cfg.History.Driver),
		zap.Bool("monitor", cfg.Monitor.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	bus := events.NewEventBus(logger, cfg.Events)

	var fetcher data.Fetcher
	if !cfg.Data.Offline {
		fetcher = data.NewBinanceClient(logger, cfg.Data.Binance, m)
	}
	store, err := data.NewStore(logger, cfg.Data.Dir, fetcher)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	configStore, err := alerts.NewFileConfigStore(logger, cfg.Alerts.ConfigPath)
	if err != nil {
		logger.Fatal("Failed to load alert configs", zap.Error(err))
	}

	history, closeHistory, err := openHistory(ctx, logger, cfg.History)
	if err != nil {
		logger.Fatal("Failed to open alert history", zap.Error(err))
	}
	defer closeHistory()

	engine := alerts.NewEngine(logger, configStore, history, bus, m)

	pool := workers.NewPool(logger, &cfg.Workers)
	pool.Start()

	mon := monitor.New(logger, cfg.Monitor.Config, store, engine, pool, bus, m)
	if cfg.Monitor.Enabled {
		go func() {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Monitor stopped", zap.Error(err))
			}
		}()
	}

	backtests := backtester.NewService(logger, backtester.NewEngine(logger, store),
		backtester.NewResultCache(cfg.Backtest.CacheTTL), bus, m)

	if cfg.Notify.Telegram.Enabled {
		telegram, err := notify.NewTelegram(logger, cfg.Notify.Telegram, m)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram notifier", zap.Error(err))
		}
		telegram.Subscribe(bus)
	}

	server := api.NewServer(logger, cfg.Server, api.Dependencies{
		Symbols:   store,
		Alerts:    engine,
		Monitor:   mon,
		Backtests: backtests,
		Bus:       bus,
		Gatherer:  registry,
		Metrics:   m,
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping server", zap.Error(err))
	}
	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping worker pool", zap.Error(err))
	}
	bus.Stop()

	logger.Info("Shutdown complete")
}

// openHistory builds the configured history sink and its cleanup
func openHistory(ctx context.Context, logger *zap.Logger, cfg config.HistoryConfig) (alerts.HistorySink, func(), error) {
	switch cfg.Driver {
	case config.HistoryPostgres:
		pgPool, err := alerts.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		history := alerts.NewPostgresHistory(logger, pgPool)
		if err := history.EnsureSchema(ctx); err != nil {
			history.Close()
			return nil, nil, err
		}
		return history, history.Close, nil

	case config.HistoryMemory:
		return alerts.NewMemoryHistory(cfg.Limit), func() {}, nil

	default:
		history, err := alerts.NewFileHistory(logger, cfg.Path, cfg.Limit)
		if err != nil {
			return nil, nil, err
		}
		return history, func() {}, nil
	}
}

// setupLogger configures the zap logger
func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
