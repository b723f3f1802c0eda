package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/djlord-it/karbos/internal/config"
	"github.com/djlord-it/karbos/internal/executor"
	"github.com/djlord-it/karbos/internal/janitor"
	"github.com/djlord-it/karbos/internal/leaderelection"
	"github.com/djlord-it/karbos/internal/promoter"
	"github.com/djlord-it/karbos/internal/queue"
	"github.com/djlord-it/karbos/internal/store/postgres"
	"github.com/djlord-it/karbos/internal/worker"

	_ "github.com/lib/pq"
)

func main() {
	log.Println("worker: starting")

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("worker: configuration error: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("worker: failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("worker: failed to connect to database: %v", err)
	}
	log.Println("worker: database connected")

	store := postgres.New(db, cfg.DBOpTimeout)

	redisQueue, err := queue.NewRedisQueue(cfg.RedisAddr(), cfg.RedisPassword, cfg.RedisDB, cfg.ImmediateQueueKey, cfg.DelayedSetKey)
	if err != nil {
		log.Fatalf("worker: failed to connect to redis: %v", err)
	}
	defer redisQueue.Close()
	log.Printf("worker: redis connected (%s)", cfg.RedisAddr())

	runtime, err := executor.NewDockerRuntime()
	if err != nil {
		log.Fatalf("worker: failed to create docker runtime: %v", err)
	}
	defer runtime.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := runtime.Ping(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("worker: docker daemon unreachable: %v", err)
	}
	pingCancel()
	log.Println("worker: docker daemon connected")

	pool, err := worker.NewPool(worker.Config{
		Size:         cfg.PoolSize,
		PollInterval: cfg.PollInterval,
		JobTimeout:   cfg.JobTimeout,
		Limits: executor.Limits{
			MemoryBytes: cfg.DockerMemoryLimit,
			CPUQuota:    cfg.DockerCPUQuota,
		},
	}, redisQueue, store, runtime)
	if err != nil {
		log.Fatalf("worker: failed to create pool: %v", err)
	}

	pool.Start()
	log.Printf("worker: pool started (size=%d, node=%s)", cfg.PoolSize, pool.NodeID())

	// The promoter and janitor run on at most one worker process: a Postgres
	// advisory lock elects the leader, and the loops live and die with the
	// leadership context.
	var dutiesWg sync.WaitGroup
	electorCtx, cancelElector := context.WithCancel(context.Background())

	elector := leaderelection.New(db, cfg.LeaderLockKey, 5*time.Second, 2*time.Second,
		func(leaderCtx context.Context) {
			prom := promoter.New(promoter.Config{Interval: cfg.PromoterInterval}, redisQueue)
			jan := janitor.New(janitor.Config{Interval: cfg.JanitorInterval, MaxAge: cfg.CacheMaxAge}, store)

			dutiesWg.Add(2)
			go func() {
				defer dutiesWg.Done()
				prom.Run(leaderCtx)
			}()
			go func() {
				defer dutiesWg.Done()
				jan.Run(leaderCtx)
			}()
		},
		func() {
			dutiesWg.Wait()
		},
	)

	var electorWg sync.WaitGroup
	electorWg.Add(1)
	go func() {
		defer electorWg.Done()
		elector.Run(electorCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("worker: running")
	<-sigChan
	log.Println("worker: shutdown signal received")

	// Stop leader duties first so no new entries are promoted mid-drain.
	cancelElector()
	electorWg.Wait()

	// Drain the pool within the configured budget; past the budget the
	// process exits and in-flight state is left to the status guards.
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Println("worker: pool drained cleanly")
	case <-time.After(cfg.DrainBudget):
		log.Printf("worker: drain budget (%s) exceeded, forcing exit", cfg.DrainBudget)
	}

	log.Println("worker: stopped")
}
