// Package worker consumes the immediate lane: each consumer dequeues an
// entry, runs the container, records the outcome, and transitions the job's
// status. The pool supports graceful drain: on stop, consumers cease
// dequeuing and in-flight containers run to completion.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/executor"
)

// ErrStatusTransitionDenied is returned by the store when a status update
// would violate the job lifecycle graph. The pool treats it as "already
// handled by another worker" and skips the entry.
var ErrStatusTransitionDenied = errors.New("status transition denied")

// Store is the persistence capability the pool needs. Missing jobs surface
// as sql.ErrNoRows; invalid transitions as ErrStatusTransitionDenied.
type Store interface {
	GetJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus) error
	CreateExecutionRecord(ctx context.Context, record *domain.ExecutionRecord) error
}

// Queue is the broker capability the pool needs.
type Queue interface {
	DequeueImmediate(ctx context.Context) (*domain.QueueEntry, error)
	SetHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error
}

// MetricsSink records pool observations. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	JobExecuted(outcome string, duration time.Duration)
	ActiveJobsUpdate(count int)
}

// Execution outcome labels for metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Config holds pool configuration.
type Config struct {
	Size         int           // number of consumers, default 5
	PollInterval time.Duration // idle sleep between dequeues, default 2s
	JobTimeout   time.Duration // per-job execution deadline, default 10m
	Limits       executor.Limits

	HeartbeatInterval time.Duration // default 10s
	HeartbeatTTL      time.Duration // default 15s
}

func (c *Config) applyDefaults() {
	if c.Size == 0 {
		c.Size = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.Limits == (executor.Limits{}) {
		c.Limits = executor.DefaultLimits()
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HeartbeatTTL == 0 {
		c.HeartbeatTTL = 15 * time.Second
	}
}

// Pool manages a fixed set of consumers plus the liveness heartbeat.
type Pool struct {
	config  Config
	queue   Queue
	store   Store
	runtime executor.Runtime
	metrics MetricsSink // optional, nil = disabled

	nodeID string // fresh UUID per process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	draining   bool
	activeJobs map[string]bool
	activeWg   sync.WaitGroup
}

// NewPool creates a pool. All collaborators are required.
func NewPool(config Config, queue Queue, store Store, runtime executor.Runtime) (*Pool, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if runtime == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config:     config,
		queue:      queue,
		store:      store,
		runtime:    runtime,
		nodeID:     uuid.New().String(),
		ctx:        ctx,
		cancel:     cancel,
		activeJobs: make(map[string]bool),
	}, nil
}

// WithMetrics attaches a metrics sink to the pool.
func (p *Pool) WithMetrics(sink MetricsSink) *Pool {
	p.metrics = sink
	return p
}

// NodeID returns this process's worker identity.
func (p *Pool) NodeID() string {
	return p.nodeID
}

// Start launches the consumers and the heartbeat loop.
func (p *Pool) Start() {
	log.Printf("worker: starting pool (size=%d, node=%s)", p.config.Size, p.nodeID)

	for i := 0; i < p.config.Size; i++ {
		workerNum := i + 1
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.consumeLoop(workerNum)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeatLoop()
	}()
}

// Stop drains the pool: consumers stop dequeuing, in-flight containers run
// to completion, then the poll loops are cancelled. The caller bounds the
// overall wait with its own shutdown deadline.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.draining = true
	active := len(p.activeJobs)
	p.mu.Unlock()

	if active > 0 {
		log.Printf("worker: draining, waiting for %d running container(s)", active)
	}
	p.activeWg.Wait()

	p.cancel()
	p.wg.Wait()
	log.Println("worker: pool stopped")
}

// IsDraining reports whether the pool is refusing new work.
func (p *Pool) IsDraining() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draining
}

// ActiveJobCount returns the number of containers currently running.
func (p *Pool) ActiveJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeJobs)
}

// trackStart registers a job as in flight. The set holds identifiers only,
// never the job itself.
func (p *Pool) trackStart(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.activeJobs[jobID] {
		p.activeJobs[jobID] = true
		p.activeWg.Add(1)
		if p.metrics != nil {
			p.metrics.ActiveJobsUpdate(len(p.activeJobs))
		}
	}
}

func (p *Pool) trackFinish(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeJobs[jobID] {
		delete(p.activeJobs, jobID)
		p.activeWg.Done()
		if p.metrics != nil {
			p.metrics.ActiveJobsUpdate(len(p.activeJobs))
		}
	}
}

// heartbeatLoop writes the liveness sentinel until the pool is cancelled.
func (p *Pool) heartbeatLoop() {
	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	p.sendHeartbeat()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.sendHeartbeat()
		}
	}
}

func (p *Pool) sendHeartbeat() {
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()
	if err := p.queue.SetHeartbeat(ctx, p.nodeID, p.config.HeartbeatTTL); err != nil {
		log.Printf("worker: heartbeat failed: %v", err)
	}
}
