package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/healthbridge/lab-orders/internal/audit"
	"github.com/healthbridge/lab-orders/internal/cache"
	"github.com/healthbridge/lab-orders/internal/external"
	"github.com/healthbridge/lab-orders/internal/orders"
	"github.com/healthbridge/lab-orders/internal/security"
	"github.com/healthbridge/lab-orders/internal/token"
	"github.com/healthbridge/lab-orders/pkg/config"
	"github.com/healthbridge/lab-orders/pkg/database"
	"github.com/healthbridge/lab-orders/pkg/logger"
	"github.com/healthbridge/lab-orders/pkg/monitoring"
)

const (
	renderTimeout     = 20 * time.Second
	aiDispatchTimeout = 30 * time.Second
	shutdownTimeout   = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("lab-order-service", cfg.LogLevel)
	log.Info("Starting lab order service...")

	db, err := database.NewConnection(&cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.CreateSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to create database schema")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("Redis unreachable, falling back to in-process cache")
			redisClient = nil
		}
	}
	cacheLayer := cache.New(redisClient, log)
	defer cacheLayer.Stop()

	clients := external.NewClients(&cfg.External, log)

	auditSvc := audit.NewService(db.DB, &cfg.Audit, clients.Notifier, log)
	tokens := token.NewService(cfg.Token.Secret)

	metricStore := security.NewMetricStore(time.Duration(cfg.Security.MetricWindowMinutes) * time.Minute)
	metricStore.StartSweeper(time.Duration(cfg.Security.SweepIntervalMinutes) * time.Minute)
	defer metricStore.Stop()

	authn := security.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	limiter := security.NewRateLimiter(cacheLayer, &cfg.RateLimit)
	burst := security.NewBurstProtector(metricStore, &cfg.RateLimit)
	detector := security.NewDetector(metricStore, &cfg.Security, log)
	guard := security.NewGuard(authn, limiter, burst, detector, auditSvc, log)

	repo := orders.NewRepository(db.DB)
	orderSvc := orders.NewService(repo, tokens, cacheLayer, auditSvc,
		clients.Renderer, clients.Directory,
		time.Duration(cfg.Token.TTLHours)*time.Hour, renderTimeout, log)

	aiTrigger := orders.NewAITrigger(clients.Diagnostic, clients.Notifier, repo, auditSvc, aiDispatchTimeout, log)
	orderSvc.SetAITrigger(aiTrigger)
	defer aiTrigger.Stop()

	router := mux.NewRouter()
	router.Use(monitoring.Middleware(log))

	orders.NewHandlers(orderSvc, guard, log).RegisterRoutes(router)
	audit.NewHandlers(auditSvc, guard).RegisterRoutes(router)

	router.Handle("/metrics", monitoring.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(db, cacheLayer)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"addr": server.Addr,
		}).Info("Lab order service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down lab order service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
	log.Info("Lab order service stopped")
}

// healthHandler reports the liveness of the service and its backing stores
func healthHandler(db *database.DB, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{
			"service":  "lab-order-service",
			"status":   "healthy",
			"database": "ok",
			"cache":    "ok",
		}
		code := http.StatusOK

		if err := db.Health(); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := c.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["cache"] = err.Error()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	}
}
