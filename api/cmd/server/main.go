// api/cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/auth"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/db"
	httpapi "chatrelay/internal/http"
	"chatrelay/internal/realtime"
	"chatrelay/internal/store"
	"chatrelay/pkg/logger"
)

func main() {
	// A missing .env is fine outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Failed to read .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting chatrelay signaling server",
		"port", cfg.Server.Port,
		"ring_timeout", cfg.Realtime.RingTimeout,
		"environment", os.Getenv("ENV"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Connecting to database...")
	pool, err := db.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer pool.Close()

	log.Info("Connecting to Redis...")
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	accounts := store.NewAccounts(pool)
	suspensions := store.NewCachedSuspensions(accounts, rdb, cfg.Realtime.SuspensionCacheTTL)
	gate := realtime.NewGate(auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer), suspensions)

	rt := realtime.NewServer(cfg.Realtime, gate, accounts, suspensions,
		log.Component("realtime"), realtime.NewMetrics(registry))
	rtStopped := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(rtStopped)
	}()

	dispatcher := bus.NewDispatcher(rt.Fanout(), rt.Moderation())
	events := bus.NewRedisBus(rdb, cfg.Realtime.EventsChannel, log.Component("bus"))
	go func() {
		if err := events.Subscribe(ctx, dispatcher); err != nil {
			log.Error("Event bus stopped", "error", err)
		}
	}()

	api := httpapi.NewServer(pool, rdb, cfg, log, rt, dispatcher, registry)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("API server listening",
			"address", httpServer.Addr,
			"read_timeout", cfg.Server.ReadTimeout,
			"write_timeout", cfg.Server.WriteTimeout)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		log.Error("Server error", "error", err)
		stop()

	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("Shutting down server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", "error", err)

		if closeErr := httpServer.Close(); closeErr != nil {
			log.Error("Force close failed", "error", closeErr)
		}
	}

	// Hijacked WebSocket connections are not covered by Shutdown
	select {
	case <-rtStopped:
	case <-shutdownCtx.Done():
		log.Warn("Realtime server did not stop in time")
	}

	log.Info("Server stopped gracefully")
}
