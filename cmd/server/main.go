package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klazomenai/splash-gate/pkg/api"
	"github.com/klazomenai/splash-gate/pkg/config"
	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
	"github.com/klazomenai/splash-gate/pkg/metrics"
	"github.com/klazomenai/splash-gate/pkg/probe"
	"github.com/klazomenai/splash-gate/pkg/runner"
	"github.com/klazomenai/splash-gate/pkg/storage"
	"github.com/klazomenai/splash-gate/pkg/ticket"
	"github.com/klazomenai/splash-gate/pkg/warmup"
)

func main() {
	log := logging.Logger

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}
	if !logging.SetLevel(cfg.LogLevel) {
		log.Warn("unknown LOG_LEVEL, keeping info", "level", cfg.LogLevel)
	}

	manifest, err := config.LoadManifest(cfg.AssetManifest)
	if err != nil {
		log.Fatal("failed to load asset manifest", "path", cfg.AssetManifest, "err", err)
	}
	assets, fonts, err := manifest.Resolve(cfg.AssetBaseURL)
	if err != nil {
		log.Fatal("failed to resolve asset manifest", "base_url", cfg.AssetBaseURL, "err", err)
	}
	log.Info("asset manifest loaded", "assets", len(assets), "fonts", len(fonts), "base_url", cfg.AssetBaseURL)

	// Load or generate RSA private key
	privateKeyPEM, err := loadOrGeneratePrivateKey(cfg)
	if err != nil {
		log.Fatal("failed to load private key", "err", err)
	}

	tickets, err := ticket.NewService(cfg.TicketIssuer, cfg.TicketAudience, privateKeyPEM)
	if err != nil {
		log.Fatal("failed to initialize ticket service", "err", err)
	}
	log.Info("ticket service initialized", "issuer", cfg.TicketIssuer, "audience", cfg.TicketAudience)

	// Initialize Redis store
	store, err := storage.NewRunStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RunTTL)
	if err != nil {
		log.Fatal("failed to connect to Redis", "addr", cfg.RedisAddr, "err", err)
	}
	defer store.Close()
	log.Info("connected to Redis", "addr", cfg.RedisAddr)

	probers := probe.NewProbers(probe.NewHTTPClient(cfg.ProbeTimeout), fonts)
	g := gate.New(cfg.Gate(), probers, gate.WithHooks(metrics.Hooks()))
	r := runner.New(g, store)

	server := api.NewServer(api.Options{
		Runner:    r,
		Assets:    assets,
		Tickets:   tickets,
		Store:     store,
		TicketTTL: cfg.TicketTTL,
	})

	worker := warmup.NewWorker(&warmup.WorkerConfig{Interval: cfg.WarmupInterval}, r, assets)
	go worker.Start()

	addr := ":" + cfg.Port
	log.Info("starting splash-gate", "addr", addr,
		"probe_timeout", cfg.ProbeTimeout, "ceiling", cfg.Ceiling, "exit_delay", cfg.ExitDelay)
	log.Info("endpoints",
		"stream", "GET /readiness/stream",
		"runs", "POST|GET /readiness/runs",
		"run", "GET /readiness/runs/{id}[/stream]",
		"assets", "GET /assets",
		"jwks", "GET /.well-known/jwks.json",
		"health", "GET /health",
		"metrics", "GET /metrics",
	)

	// WriteTimeout stays zero: SSE responses are long-lived
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "err", err)
		}
	}()

	<-sigChan
	log.Info("shutdown signal received, stopping services")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("background runs did not finish", "err", err)
	}
	worker.Stop()

	log.Info("shutdown complete")
}

// loadOrGeneratePrivateKey loads the signing key from file or generates a new one
func loadOrGeneratePrivateKey(cfg config.Config) ([]byte, error) {
	log := logging.Logger

	if _, err := os.Stat(cfg.PrivateKeyPath); err == nil {
		log.Info("loading private key", "path", cfg.PrivateKeyPath)
		return os.ReadFile(cfg.PrivateKeyPath)
	}

	// Generate new key for development/testing
	log.Info("generating new RSA private key")
	privateKey, err := ticket.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	privateKeyPEM := ticket.ExportPrivateKeyPEM(privateKey)

	if err := os.WriteFile(cfg.PrivateKeyPath, privateKeyPEM, 0600); err != nil {
		log.Warn("could not save private key", "path", cfg.PrivateKeyPath, "err", err)
	} else {
		log.Info("saved private key", "path", cfg.PrivateKeyPath)
	}

	publicKeyPEM, err := ticket.ExportPublicKeyPEM(&privateKey.PublicKey)
	if err == nil {
		if err := os.WriteFile(cfg.PublicKeyPath, publicKeyPEM, 0644); err == nil {
			log.Info("saved public key", "path", cfg.PublicKeyPath)
		}
	}

	return privateKeyPEM, nil
}
