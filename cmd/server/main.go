/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the job-sheet engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse flags and load configuration (YAML, .env, environment)
  2. Open the SQL store (SQLite or PostgreSQL) and migrate
  3. Pick the row locker: Redis when enabled, in-process otherwise
  4. Build the workflow service and its reconciliation scheduler
  5. Start the outbox drainer when messaging is enabled
  6. Start the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (default: jobsheet.yaml, optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop scheduler and drainer
  4. Close Kafka writer, Redis client and database

EXAMPLES:
  # Local development
  ./server -db=":memory:"

  # PostgreSQL with Redis locks and Kafka events
  DATABASE_URL=postgres://shop:pw@db/shop REDIS_ADDRESS=redis:6379 \
    KAFKA_BROKERS=kafka:9092 ./server

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/jobsheet-engine/api"
	"github.com/warp/jobsheet-engine/config"
	"github.com/warp/jobsheet-engine/events"
	"github.com/warp/jobsheet-engine/locks"
	"github.com/warp/jobsheet-engine/shop"
	"github.com/warp/jobsheet-engine/store/sqlstore"
	"github.com/warp/jobsheet-engine/workflow"
)

func main() {
	// Flags
	configPath := flag.String("config", "jobsheet.yaml", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if *port > 0 {
		cfg.Web.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.SQLite.Path = *dbPath
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	ctx := context.Background()

	// Store
	st, err := sqlstore.Open(ctx, sqlstore.Options{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN()})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer st.Close()

	// Locks
	var locker shop.Locker = locks.NewLocal()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).WithField("address", cfg.Redis.Address).Fatal("failed to reach redis")
		}
		locker = locks.NewRedis(rdb, logger, locks.RedisOptions{TTL: cfg.Redis.LockTTL, Wait: cfg.Redis.LockWait})
		logger.WithField("address", cfg.Redis.Address).Info("using redis row locks")
	}

	// Workflow
	svc := workflow.New(st, locker, events.NewEmitter(cfg.Messaging.EventsTopic), logger)

	scheduler := workflow.NewScheduler(svc)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	// Outbox
	if cfg.Messaging.Enabled {
		publisher := events.NewKafkaPublisher(cfg.Messaging.Kafka.Brokers)
		defer publisher.Close()
		drainer := events.NewDrainer(st, publisher, logger, cfg.Messaging.OutboxDrainInterval)
		drainer.Start()
		defer drainer.Stop()
		logger.WithField("brokers", cfg.Messaging.Kafka.Brokers).Info("publishing outbox to kafka")
	}

	// HTTP
	handler := api.NewHandler(svc, scheduler, logger)
	server := &http.Server{
		Addr:         cfg.Web.Addr(),
		Handler:      api.NewRouter(handler, cfg.Web.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":   server.Addr,
			"driver": cfg.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server stopped")
}
