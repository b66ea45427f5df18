/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the incentive engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (YAML file, .env, environment)
  2. Initialize logger and SQLite store
  3. Seed rules from the configured YAML file, if any
  4. Build the rewards engine, API handler and router
  5. Start the batch scheduler (Redis lock when configured)
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Configuration file (default: config.yaml, optional)

ENVIRONMENT:
  PORT, STORE_PATH, REDIS_ADDRESS, REDIS_PASSWORD, LOG_MODE,
  MIN_PAID_BILLS, RULES_SEED_FILE override the file. A .env file in the
  working directory is read first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (a running batch records its outcome)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and Redis connections

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/scheduler.go: Batch scheduler
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/incentive-engine/api"
	"github.com/warp/incentive-engine/config"
	"github.com/warp/incentive-engine/factory"
	"github.com/warp/incentive-engine/generic"
	"github.com/warp/incentive-engine/lock"
	"github.com/warp/incentive-engine/logger"
	"github.com/warp/incentive-engine/rewards"
	"github.com/warp/incentive-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx := context.Background()

	// Initialize store
	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	engine := rewards.NewEngine(store, rewards.Options{
		Clock:            generic.SystemClock{},
		Logger:           log,
		Notifier:         rewards.LogNotifier{Log: log},
		MinPaidBills:     cfg.Engine.MinPaidBills,
		RuleCacheSize:    cfg.Engine.RuleCacheSize,
		RuleCacheTTL:     cfg.Engine.RuleCacheTTL,
		LeaderboardLimit: cfg.Engine.LeaderboardLimit,
		BatchConcurrency: cfg.Engine.BatchConcurrency,
	})

	if cfg.Rules.SeedFile != "" {
		if err := seedRules(ctx, engine, cfg.Rules.SeedFile, log); err != nil {
			return err
		}
	}

	// Batch locks are shared through Redis when there is one
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(client, "incentives:")
		log.Info("batch locks in redis", "addr", cfg.Redis.Addr)
	}

	scheduler := api.NewScheduler(engine.Batch(), locker, generic.SystemClock{}, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	if cfg.Scheduler.LockTTL > 0 {
		scheduler.LockTTL = cfg.Scheduler.LockTTL
	}

	handler := api.NewHandler(engine, log)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.Server.AllowedOrigins})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	log.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// seedRules saves every rule of the seed file. Versions already stored
// with the same content are left as they are.
func seedRules(ctx context.Context, engine *rewards.Engine, path string, log *logger.Logger) error {
	rules, err := factory.NewRuleFactory().LoadRulesFile(path)
	if err != nil {
		return fmt.Errorf("load seed rules: %w", err)
	}
	for _, rule := range rules {
		if _, err := engine.SaveRule(ctx, rule, "seed"); err != nil {
			// payloads were validated on load; what is left is an id reused with other content
			if errors.Is(err, generic.ErrInvalidRule) {
				log.Warn("seed rule conflicts with stored version, keeping stored", "rule_id", rule.ID, "error", err)
				continue
			}
			return fmt.Errorf("seed rule %s: %w", rule.ID, err)
		}
	}
	log.Info("rules seeded", "file", path, "count", len(rules))
	return nil
}
