package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/karbos/internal/analytics"
	"github.com/djlord-it/karbos/internal/api"
	"github.com/djlord-it/karbos/internal/carbon"
	"github.com/djlord-it/karbos/internal/circuitbreaker"
	"github.com/djlord-it/karbos/internal/config"
	"github.com/djlord-it/karbos/internal/janitor"
	"github.com/djlord-it/karbos/internal/metrics"
	"github.com/djlord-it/karbos/internal/queue"
	"github.com/djlord-it/karbos/internal/scheduler"
	"github.com/djlord-it/karbos/internal/store/postgres"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`karbos - carbon-aware batch job scheduler (API role)

Usage:
  karbos <command>

Commands:
  serve      Start the API server
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_HOST                Redis host (default: "localhost")
  REDIS_PORT                Redis port (default: "6379")
  REDIS_PASSWORD            Redis password (optional)
  HTTP_ADDR / PORT          HTTP listen address (default: ":8080")
  DEFAULT_REGION            Default carbon region (default: "US-EAST")

  CARBON_PROVIDER           "electricitymaps" or "watttime"
  CARBON_API_URL            Provider base URL override
  CARBON_API_KEY            Provider API key (electricitymaps)
  CARBON_API_USERNAME       Provider username (watttime)
  CARBON_API_PASSWORD       Provider password (watttime)
  CARBON_CACHE_TTL          Carbon cache TTL (default: "1h")

  SCHEDULER_SLOT_SIZE       Forecast slot size (default: "1h")
  SCHEDULER_THRESHOLD       Immediate-execution intensity threshold (default: "400")
  SCHEDULER_WINDOW          Shown by "config" only; the scheduler searches 24h

  BREAKER_MAX_FAILURES      Failures before the circuit opens (default: "5")
  BREAKER_TIMEOUT           Open -> half-open wait (default: "30s")
  BREAKER_STATIC_FALLBACK   Fallback intensity in gCO2eq/kWh (default: "400")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  CONFIG_FILE               Optional YAML overlay file`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	redisQueue, err := queue.NewRedisQueue(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.ImmediateQueueKey, cfg.DelayedSetKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		return exitRuntimeError
	}
	defer redisQueue.Close()
	log.Printf("karbos: redis connected (%s)", cfg.RedisAddr())

	// Carbon pipeline: provider -> breaker -> cache-first fetcher.
	provider := newProvider(cfg)
	breaker := circuitbreaker.New(provider, circuitbreaker.Config{
		MaxFailures:    cfg.BreakerMaxFailures,
		Timeout:        cfg.BreakerTimeout,
		ResetTimeout:   cfg.BreakerResetTimeout,
		StaticFallback: cfg.BreakerStaticFallback,
	})
	fetcher := carbon.NewFetcher(breaker, store, cfg.CacheTTL)
	sched := scheduler.New(fetcher, scheduler.Config{
		SlotSize:  cfg.SlotSize,
		Threshold: cfg.Threshold,
	})

	apiHandler := api.NewHandler(store, redisQueue, sched, fetcher, cfg.DefaultRegion).
		WithBreaker(breaker).
		WithHealthChecker(db)

	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		breaker.WithMetrics(metricsSink)
		apiHandler.WithMetrics(metricsSink)
		log.Printf("karbos: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("karbos: METRICS_ENABLED not set; metrics disabled")
	}

	// Decision analytics ride on the same Redis instance as the queue.
	analyticsClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer analyticsClient.Close()
	apiHandler.WithAnalytics(analytics.NewRedisSink(analyticsClient))

	// Cache janitor keeps the carbon cache bounded.
	janitorCtx, cancelJanitor := context.WithCancel(context.Background())
	jan := janitor.New(janitor.Config{Interval: cfg.JanitorInterval, MaxAge: cfg.CacheMaxAge}, store)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		jan.Run(janitorCtx)
	}()

	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("karbos: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("karbos: http server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("karbos: received signal %v, shutting down", received)

	cancelJanitor()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("karbos: http server shutdown error: %v", err)
	}

	log.Println("karbos: stopped")
	return exitSuccess
}

// newProvider selects the configured carbon provider variant.
func newProvider(cfg config.Config) carbon.Provider {
	if cfg.Provider == config.ProviderWattTime {
		log.Println("karbos: using watttime carbon provider")
		return carbon.NewWattTimeClient(cfg.ProviderUsername, cfg.ProviderPassword, cfg.ProviderBaseURL)
	}
	log.Println("karbos: using electricitymaps carbon provider")
	return carbon.NewElectricityMapsClient(cfg.ProviderAPIKey, cfg.ProviderBaseURL)
}

func runValidate() int {
	if err := config.Validate(config.Load()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	data, err := config.Load().MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}
	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("karbos version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
