package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-bridge/internal/bridge"
	"github.com/bt-bridge/voice-bridge/internal/config"
	"github.com/bt-bridge/voice-bridge/internal/metrics"
	"github.com/bt-bridge/voice-bridge/internal/server"
	"github.com/bt-bridge/voice-bridge/shared"
)

const envKeyConfig = "BRIDGE_CONFIG"

func main() {
	cfg, err := config.Load(os.Getenv(envKeyConfig))
	if err != nil {
		logger := shared.NewStdLogger()
		logger.Error("loading config", err)
		os.Exit(1)
	}

	var logger shared.LoggerAdapter
	if cfg.Logging.File != "" {
		logger = shared.NewFileLogger(
			cfg.Logging.File,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxBackups,
			cfg.Logging.MaxAgeDays,
			cfg.Logging.Compress,
		)
	} else {
		logger = shared.NewStdLogger()
	}
	logger = logger.With(
		zap.String("component", "voice-bridge"),
		zap.String("version", shared.Version),
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	b := bridge.New(logger, cfg, m)
	srv := server.New(logger, cfg, b, prometheus.DefaultGatherer)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		if err := srv.Shutdown(); err != nil {
			logger.Error("shutting down server", err)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", err)
			os.Exit(1)
		}
	}
}
