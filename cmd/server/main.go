package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"llmbenchstudio/internal/api"
	"llmbenchstudio/internal/config"
	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/quota"
	"llmbenchstudio/internal/store"
	"llmbenchstudio/server"
)

const (
	shutdownTimeout  = 30 * time.Second
	redisPingTimeout = 5 * time.Second
)

// connectRedis accepts either a redis:// URL or a bare host:port.
func connectRedis(ctx context.Context, rawURL, password string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(rawURL, "://") {
		parsed, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, errors.New("invalid REDIS_URL")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: rawURL}
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Run wires the service and serves until SIGINT or SIGTERM.
func Run() error {
	logging.AppLogger = logging.NewLogger()
	log := logging.AppLogger

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.DebugMode)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	log.InfoWithFields("Configuration loaded", map[string]interface{}{
		"source":    cfg.Source,
		"providers": len(cfg.Providers),
		"targets":   len(cfg.Targets()),
	})

	var (
		ledger    quota.Ledger
		results   store.Store
		storeKind = "memory"
		redisConn *redis.Client
	)
	if cfg.Server.RedisURL != "" {
		redisConn, err = connectRedis(context.Background(), cfg.Server.RedisURL, cfg.Server.RedisPassword)
		if err != nil {
			return err
		}
		defer redisConn.Close()
		ledger = quota.NewRedisLedger(redisConn, "")
		results = store.NewRedisStore(redisConn, "")
		storeKind = "redis"
	} else {
		log.Warn("REDIS_URL not set, jobs and results are kept in memory only")
		ledger = quota.NewMemoryLedger()
		results = store.NewMemoryStore()
	}

	users := config.NewStaticUserConfig(cfg)
	clientOpts := api.ClientOptions{InsecureSkipVerify: os.Getenv("SKIP_SSL_VALIDATION") == "true"}
	eng := engine.New(engine.Options{
		Costs:   cfg.Pricing,
		Timeout: cfg.Execution.Timeout,
		FanOut:  cfg.Execution.FanOut,
		Secrets: append(cfg.Secrets(), cfg.Server.RedisPassword),
		Client:  clientOpts,
	})
	controller := quota.NewController(ledger, quota.Limits{
		MaxConcurrent:    cfg.Limits.MaxConcurrent,
		JobsPerHour:      cfg.Limits.BenchmarksPerHour,
		RunsPerBenchmark: cfg.Limits.RunsPerBenchmark,
	}, log)
	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), redisPingTimeout)
	if _, err := controller.SweepStale(sweepCtx, cfg.Execution.StaleJobAfter); err != nil {
		log.Error("Startup sweep of stale jobs failed: %v", err)
	}
	cancelSweep()
	hub := server.NewHub(cfg.Execution.MaxConnectionsPerUser, log)
	jobs := server.NewJobManager(server.JobManagerOptions{
		Controller: controller,
		Engine:     eng,
		Store:      results,
		Hub:        hub,
		Users:      users,
		Logger:     log,
	})
	handlers := server.NewHandlers(server.HandlersOptions{
		Config:     cfg,
		Users:      users,
		Jobs:       jobs,
		Store:      results,
		StoreKind:  storeKind,
		Hub:        hub,
		Controller: controller,
		Client:     clientOpts,
		Redactor:   eng.Redactor(),
		Logger:     log,
	})

	router := gin.New()
	server.SetupRoutes(router, handlers, cfg.Server.StaticPath)

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   0, // SSE and websocket streams stay open
		MaxHeaderBytes: 1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting on port %s", cfg.Server.Port)
		log.Info("API endpoints available at http://localhost:%s/api", cfg.Server.Port)
		log.Info("WebSocket endpoint available at ws://localhost:%s/ws", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown: %v", err)
	}
	if err := jobs.Shutdown(ctx); err != nil {
		log.Warn("Jobs still running at shutdown: %v", err)
	}

	log.Info("Server exited gracefully")
	return nil
}
