package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/meterproxy/meterproxy/internal/gateway/budget"
	"github.com/meterproxy/meterproxy/internal/gateway/cache"
	"github.com/meterproxy/meterproxy/internal/gateway/cost"
	"github.com/meterproxy/meterproxy/internal/gateway/forward"
	"github.com/meterproxy/meterproxy/internal/gateway/metrics"
	"github.com/meterproxy/meterproxy/internal/gateway/pipeline"
	"github.com/meterproxy/meterproxy/internal/gateway/pricing"
	"github.com/meterproxy/meterproxy/internal/gateway/ratelimit"
	"github.com/meterproxy/meterproxy/internal/shared/config"
	"github.com/meterproxy/meterproxy/internal/shared/database"
	"github.com/meterproxy/meterproxy/internal/shared/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting metering gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Connected to Redis")

	// Pricing table: file override or built-in defaults
	table := pricing.Default()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			log.Fatalf("Failed to load pricing file: %v", err)
		}
		log.Printf("Loaded pricing from %s", cfg.PricingFile)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	sink := metrics.NewSink(registry)

	// Pipeline components
	limiter := ratelimit.NewFixedWindow(redisClient, cfg.DefaultRateLimit)
	var burst *ratelimit.BurstLimiter
	if cfg.BurstWindowMinutes > 0 && cfg.BurstMaxRequests > 0 {
		burst = ratelimit.NewBurstLimiter(redisClient, cfg.BurstWindowMinutes, cfg.BurstMaxRequests)
	}
	responseCache := cache.New(redisClient, cfg.CacheMaxBytes)
	ledger := budget.New(redisClient)
	forwarder := forward.New(cfg)
	if cfg.MockUpstream {
		log.Println("Mock upstream mode: synthetic provider responses, no network calls")
	}

	pipe := pipeline.New(pipeline.Options{
		Prefix:        cfg.GatewayPrefix,
		Keys:          db,
		Limiter:       limiter,
		Burst:         burst,
		Cache:         responseCache,
		Costs:         cost.NewModel(table),
		Ledger:        ledger,
		Forwarder:     forwarder,
		Usage:         db,
		Sink:          sink,
		Publisher:     metrics.LogPublisher{},
		CacheTTL:      time.Duration(cfg.CacheTTLSeconds) * time.Second,
		DefaultBudget: cfg.DailyBudgetUSD,
	})

	// Setup router
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(90 * time.Second))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Method("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Every method under the gateway prefix goes through the pipeline
	r.Handle(cfg.GatewayPrefix+"/*", pipe)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on http://localhost:%s", cfg.Port)
		log.Printf("   ANY  %s/*  - metered provider proxy", cfg.GatewayPrefix)
		log.Println("   GET  /health   - health check")
		log.Println("   GET  /metrics  - prometheus metrics")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Flush in-flight usage records before closing the stores
	pipe.Drain()

	log.Println("Server stopped")
}
