package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookgo/clock"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/config"
	"github.com/maibot/chatpoints/internal/infra"
	"github.com/maibot/chatpoints/internal/logging"
	"github.com/maibot/chatpoints/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("app", cfg.AppName), zap.String("env", cfg.AppEnv))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	res, err := infra.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open resources", zap.Error(err))
	}
	defer func() {
		if err := res.Close(); err != nil {
			logger.Warn("close resources", zap.Error(err))
		}
	}()

	srv, err := server.New(ctx, cfg, res, clock.New(), logger)
	if err != nil {
		logger.Fatal("build server", zap.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("start background jobs", zap.Error(err))
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("listening", zap.String("addr", cfg.Address()), zap.String("store", cfg.StoreDriver))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		return
	}
	logger.Info("server exited cleanly")
}
