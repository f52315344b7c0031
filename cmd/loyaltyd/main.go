// Loyaltyd - the Symbol AI salon loyalty engine.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/symbol-ai/loyalty/internal/api"
	"github.com/symbol-ai/loyalty/internal/bus"
	"github.com/symbol-ai/loyalty/internal/cache"
	"github.com/symbol-ai/loyalty/internal/domain"
	"github.com/symbol-ai/loyalty/internal/repository"
	"github.com/symbol-ai/loyalty/internal/risk"
	"github.com/symbol-ai/loyalty/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("LOYALTY_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting loyaltyd",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("LOYALTY_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize risk scoring with the default unusual-time boundary.
	// Tenants override it via PUT /timepolicy.
	timePolicy, err := risk.NewTimePolicy(domain.DefaultTimeExpression)
	if err != nil {
		slog.Error("failed to compile default time policy", "error", err)
		os.Exit(1)
	}
	riskSvc := risk.NewService(repo, cacheImpl, timePolicy)
	slog.Info("risk service initialized", "time_expression", domain.DefaultTimeExpression)

	// Initialize async milestone worker
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("LOYALTY_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl)

		tenantIDs := []string{}
		if envTenants := os.Getenv("LOYALTY_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, riskSvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("loyaltyd is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("loyaltyd shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("            SYMBOL AI - LOYALTY ENGINE")
	fmt.Println("        Every third visit earns its reward.")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /visits                          - Record a customer visit")
	fmt.Println("    GET  /visits/{id}                     - Get visit by ID")
	fmt.Println("    POST /visits/{id}/status              - Approve, reject or cancel a visit")
	fmt.Println("    GET  /customers/{id}/visits           - Visit history")
	fmt.Println("    GET  /customers/{id}/cycle            - Current 30-day cycle")
	fmt.Println("    GET  /customers/{id}/eligibility      - Discount eligibility")
	fmt.Println("    GET  /customers/{id}/discounts        - Discount history")
	fmt.Println("    POST /discounts/preview               - Preview grant without committing")
	fmt.Println("    POST /discounts                       - Grant the loyalty discount")
	fmt.Println("    GET  /discounts/{id}                  - Get record by DR number or UUID")
	fmt.Println("    GET  /timepolicy                      - Unusual-time policy")
	fmt.Println("    PUT  /timepolicy                      - Replace the policy expression")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
