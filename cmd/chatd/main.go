// Command chatd runs the chat core as an HTTP daemon: turns stream to
// clients over SSE and the transcript is served as JSON.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/polyglot-chat/internal/config"
	"github.com/tjfontaine/polyglot-chat/internal/domain"
	"github.com/tjfontaine/polyglot-chat/internal/provider"
	"github.com/tjfontaine/polyglot-chat/internal/reasoning"
	"github.com/tjfontaine/polyglot-chat/internal/server"
	"github.com/tjfontaine/polyglot-chat/internal/telemetry"
	"github.com/tjfontaine/polyglot-chat/internal/tokens"
	"github.com/tjfontaine/polyglot-chat/internal/transcript"
)

var configPath = flag.String("config", "", "Path to config file (default chat.yaml)")

func main() {
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("polyglot-chat", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Providers) == 0 {
		log.Fatal("No providers configured")
	}

	registry, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}

	store, err := transcript.Open(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open transcript store: %v", err)
	}
	defer store.Close()

	manager := server.NewManager(server.ManagerConfig{
		Registry: registry,
		Store:    store,
		Tokens:   tokens.NewRegistry(),
		Markers: reasoning.MarkerPair{
			Start: cfg.Reasoning.StartMarker,
			End:   cfg.Reasoning.EndMarker,
		},
		Params: domain.Parameters{
			Temperature: cfg.Sampling.Temperature,
			MaxTokens:   cfg.Sampling.MaxTokens,
		},
		DefaultProvider: cfg.DefaultProvider,
		Logger:          logger,
	})

	srv := server.New(cfg.Server.Port, logger, manager)
	httpServer := &http.Server{
		Addr:    srv.Addr(),
		Handler: srv.Router,
	}

	go func() {
		logger.Info("chatd listening",
			slog.Int("port", cfg.Server.Port),
			slog.String("storage", cfg.Storage.Path),
			slog.Any("providers", registry.Names()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
