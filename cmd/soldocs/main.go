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

	"github.com/joho/godotenv"

	"github.com/nicodishanthj/soldocs/internal/agent"
	"github.com/nicodishanthj/soldocs/internal/api"
	"github.com/nicodishanthj/soldocs/internal/chain"
	"github.com/nicodishanthj/soldocs/internal/common"
	"github.com/nicodishanthj/soldocs/internal/config"
	"github.com/nicodishanthj/soldocs/internal/docgen"
	"github.com/nicodishanthj/soldocs/internal/llm"
	"github.com/nicodishanthj/soldocs/internal/store"
)

const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	logger := common.Logger()

	if err := godotenv.Load(); err != nil {
		logger.Debug("soldocs: .env file not loaded", "error", err)
	} else {
		logger.Info("soldocs: environment loaded from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("soldocs: configuration invalid", "error", err)
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return 1
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("soldocs: store initialization failed", "error", err)
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chainClient := chain.New(cfg.RPCURL)
	probeCtx, probeCancel := context.WithTimeout(ctx, 30*time.Second)
	err = chainClient.Probe(probeCtx)
	probeCancel()
	if err != nil {
		logger.Error("soldocs: chain endpoint validation failed", "url", cfg.RPCURL, "error", err)
		fmt.Fprintln(os.Stderr, "startup validation error:", err)
		return 1
	}

	provider, err := llm.NewProvider()
	if err != nil {
		logger.Error("soldocs: llm provider unavailable", "error", err)
		fmt.Fprintln(os.Stderr, "llm provider error:", err)
		return 1
	}

	var notifier agent.Notifier
	if cfg.WebhookURL != "" {
		notifier = agent.NewWebhookNotifier(cfg.WebhookURL)
		logger.Info("soldocs: webhook notifications enabled", "url", cfg.WebhookURL)
	}

	ag := agent.New(st, chainClient, docgen.New(provider), notifier, agent.Config{
		DiscoveryInterval: cfg.DiscoveryInterval,
		Concurrency:       cfg.Concurrency,
	})
	if err := ag.Start(ctx); err != nil {
		logger.Error("soldocs: agent failed to start", "error", err)
		return 1
	}

	srv := api.NewServer(st, ag)
	defer srv.Close()
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("soldocs: http server listening", "addr", httpServer.Addr, "data_dir", st.Dir())
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("soldocs: shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("soldocs: http server failed", "error", err)
			ag.Stop()
			return 1
		}
	}

	ag.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("soldocs: http drain incomplete, forcing exit", "error", err)
		_ = httpServer.Close()
	}
	<-ag.Done()
	logger.Info("soldocs: shutdown complete")
	return 0
}
