/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit allocation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional) and parse environment configuration
  2. Initialize SQLite store (recovers stale in-flight marks)
  3. Wire ledger, waitlist, and distributor
  4. Configure HTTP router and start the distribution scheduler
  5. Start server with graceful shutdown

CONFIGURATION (environment; -port and -db flags override):
  PORT                 HTTP server port (default: 8080)
  DB_PATH              SQLite database path (default: credits.db)
                       Use ":memory:" for an in-memory database
  LOG_LEVEL            debug | info | warn | error (default: info)
  CORS_ORIGINS         comma-separated allowed origins
  SCHEDULER_ENABLED    run distributions on a timer (default: true)
  SCHEDULER_INTERVAL   tick interval (default: 1h)
  WEIGHT_INCOME        priority weight overrides; must sum to 1.0
  WEIGHT_CONSUMPTION
  WEIGHT_HOUSEHOLD
  WEIGHT_WAIT

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Periodic distribution
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"

	"github.com/wattshare/credit-engine/api"
	"github.com/wattshare/credit-engine/credit"
	"github.com/wattshare/credit-engine/dispatch"
	"github.com/wattshare/credit-engine/ledger"
	"github.com/wattshare/credit-engine/store/sqlite"
	"github.com/wattshare/credit-engine/waitlist"
)

type config struct {
	Port              int            `env:"PORT" envDefault:"8080"`
	DBPath            string         `env:"DB_PATH" envDefault:"credits.db"`
	LogLevel          string         `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins       []string       `env:"CORS_ORIGINS" envDefault:"http://localhost:5173,http://localhost:8080"`
	SchedulerEnabled  bool           `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerInterval time.Duration  `env:"SCHEDULER_INTERVAL" envDefault:"1h"`
	Weights           credit.Weights
}

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg config
	cfg.Weights = credit.DefaultWeights()
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags override the environment.
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.Weights.Validate(); err != nil {
		log.Error("invalid priority weights", "err", err)
		os.Exit(1)
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Error("failed to initialize database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// Wire services
	clock := clockwork.NewRealClock()
	lg := ledger.New(store, store, clock, log)
	queue := waitlist.New(store, store, clock, log)
	if err := queue.SetWeights(cfg.Weights); err != nil {
		log.Error("failed to apply weights", "err", err)
		os.Exit(1)
	}
	distributor := dispatch.New(store, lg, queue, store, clock, log)

	handler := api.NewHandler(lg, queue, distributor, store, store, log)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	// Scheduler
	scheduler := api.NewDistributionScheduler(distributor, queue, store, log)
	scheduler.Enabled = cfg.SchedulerEnabled
	scheduler.Interval = cfg.SchedulerInterval
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", "addr", server.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "err", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
	}))
}
