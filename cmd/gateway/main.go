package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/polyrelay/polyrelay/internal/codec/openai"
	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/credential"
	"github.com/polyrelay/polyrelay/internal/dispatch"
	"github.com/polyrelay/polyrelay/internal/provider/codex"
	"github.com/polyrelay/polyrelay/internal/provider/gemini"
	"github.com/polyrelay/polyrelay/internal/provider/openaicompat"
	"github.com/polyrelay/polyrelay/internal/quota"
	"github.com/polyrelay/polyrelay/internal/ratelimit"
	"github.com/polyrelay/polyrelay/internal/route"
	"github.com/polyrelay/polyrelay/internal/server"
	"github.com/polyrelay/polyrelay/internal/storage/sqlite"
	"github.com/polyrelay/polyrelay/internal/telemetry"
	"github.com/polyrelay/polyrelay/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("polyrelay", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		log.Fatalf("Failed to create storage directory: %v", err)
	}
	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enforcer := quota.New(store, logger)
	if err := enforcer.Load(ctx); err != nil {
		log.Fatalf("Failed to load routes: %v", err)
	}
	if err := bindMasterKey(ctx, enforcer, cfg.Auth.MasterKey); err != nil {
		log.Fatalf("Failed to bind master key: %v", err)
	}

	entries, stores, trackers := buildProviders(cfg, logger)
	if len(entries) == 0 {
		logger.Warn("no providers configured, all chat requests will fail")
	}
	dispatcher := dispatch.New(entries, cfg.ModelProviders, logger)

	srv := server.New(cfg.Server.Port, logger, server.Options{
		Dispatcher:             dispatcher,
		Enforcer:               enforcer,
		Estimator:              tokens.NewEstimator(),
		Stores:                 stores,
		Trackers:               trackers,
		RetryOn429:             cfg.Stream.RetryOn429,
		HeartbeatInterval:      cfg.Stream.HeartbeatInterval,
		PassReasoningSignature: cfg.PassReasoningSignature,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case <-sigChan:
	}

	logger.Info("shutdown signal received, stopping gateway")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	openai.DefaultPool().Clear()

	logger.Info("gateway shutdown complete")
}

// bindMasterKey makes sure the master route exists and carries the hash of
// the configured key. The raw key is never stored.
func bindMasterKey(ctx context.Context, enforcer *quota.Enforcer, key string) error {
	if key == "" {
		return nil
	}

	hash := route.HashKey(key)
	rt, ok := enforcer.Get(route.MasterID)
	if !ok {
		rt = &route.Route{ID: route.MasterID}
	}
	for _, kh := range rt.KeyHashes {
		if kh == hash {
			return nil
		}
	}
	rt.KeyHashes = append(rt.KeyHashes, hash)
	return enforcer.Upsert(ctx, rt)
}

func buildProviders(cfg *config.Config, logger *slog.Logger) ([]dispatch.Entry, map[string]credential.Store, map[string]*ratelimit.Tracker) {
	var entries []dispatch.Entry
	stores := make(map[string]credential.Store)
	trackers := make(map[string]*ratelimit.Tracker)

	for _, pc := range cfg.Providers {
		accountsFile := pc.AccountsFile
		if accountsFile == "" {
			accountsFile = filepath.Join(cfg.Auth.Dir, pc.Name+".json")
		}
		buffer := pc.RefreshBuffer
		if buffer <= 0 {
			buffer = credential.DefaultRefreshBuffer
		}

		var entry dispatch.Entry
		switch pc.Type {
		case "gemini":
			store := credential.NewGeminiStore(accountsFile, buffer, nil, logger)
			if err := store.Load(); err != nil {
				logger.Warn("failed to load credentials",
					slog.String("provider", pc.Name),
					slog.String("error", err.Error()))
			}
			stores[pc.Name] = store

			var opts []gemini.Option
			if pc.BaseURL != "" {
				opts = append(opts, gemini.WithBaseURL(pc.BaseURL))
			}
			entry = dispatch.Entry{Provider: gemini.New(store, opts...)}

		case "codex":
			store := credential.NewCodexStore(accountsFile, buffer, nil, logger)
			if err := store.Load(); err != nil {
				logger.Warn("failed to load credentials",
					slog.String("provider", pc.Name),
					slog.String("error", err.Error()))
			}
			stores[pc.Name] = store

			tracker := ratelimit.NewTracker()
			trackers[pc.Name] = tracker

			var opts []codex.Option
			if pc.BaseURL != "" {
				opts = append(opts, codex.WithBaseURL(pc.BaseURL))
			}
			entry = dispatch.Entry{Provider: codex.New(store, tracker, opts...)}

		case "openai":
			store := credential.NewAPIKeyStore(accountsFile, pc.APIKeys, logger)
			if err := store.Load(); err != nil {
				logger.Warn("failed to load credentials",
					slog.String("provider", pc.Name),
					slog.String("error", err.Error()))
			}
			stores[pc.Name] = store

			opts := []openaicompat.Option{openaicompat.WithName(pc.Name)}
			if pc.BaseURL != "" {
				opts = append(opts, openaicompat.WithBaseURL(pc.BaseURL))
			}
			entry = dispatch.Entry{Provider: openaicompat.New(store, opts...)}

		default:
			continue
		}

		entry.Priority = pc.Priority
		entry.Enabled = pc.IsEnabled()
		entries = append(entries, entry)

		logger.Info("provider registered",
			slog.String("name", pc.Name),
			slog.String("type", pc.Type),
			slog.Int("priority", pc.Priority),
			slog.Bool("enabled", entry.Enabled))
	}

	return entries, stores, trackers
}
