package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comigor/charchat-go/internal/config"
	"github.com/comigor/charchat-go/internal/history"
	"github.com/comigor/charchat-go/internal/llm"
	"github.com/comigor/charchat-go/internal/logger"
	"github.com/comigor/charchat-go/internal/server"
	"github.com/comigor/charchat-go/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("charchat stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logFile := logger.Setup(cfg.Log)
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.L.Error("telemetry shutdown failed", "error", err)
		}
	}()

	store, err := history.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	if cfg.LLM.APIKey == "" {
		logger.L.Warn("no API key configured, completions will fail", "provider", cfg.LLM.Provider)
	}
	completer := llm.NewCompleter(llm.NewClient(cfg.LLM), cfg.LLM)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           server.New(cfg.Server, store, completer).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "model", cfg.LLM.Model)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
