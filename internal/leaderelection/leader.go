// Package leaderelection provides Postgres advisory lock-based leader
// election. Worker processes sharing a database elect one promoter: the
// delayed lane must have a single feeder or due entries get promoted once
// per process.
//
// A single session-scoped advisory lock determines the leader. The lock is
// held for the lifetime of the dedicated database connection; there is no
// renewal or TTL. If the connection dies, Postgres releases the lock
// server-side. The heartbeat ping exists solely to detect local connection
// death so the leader can stop its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// DefaultLockKey is the advisory lock shared by all promoter candidates.
// Instances sharing a database must use the same key.
const DefaultLockKey int64 = 652031

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt acquisition
	heartbeatInterval time.Duration // leader: how often to ping the dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
}

// New creates an Elector.
//
// onElected is called in a new goroutine when this instance acquires the
// lock; its context is cancelled when leadership is lost. It should start
// the leader duties (the promoter loop) and return quickly. onDemoted is
// called synchronously when leadership is lost and must be idempotent.
func New(db *sql.DB, lockKey int64, retryInterval, heartbeatInterval time.Duration, onElected func(ctx context.Context), onDemoted func()) *Elector {
	if lockKey == 0 {
		lockKey = DefaultLockKey
	}
	if retryInterval == 0 {
		retryInterval = 5 * time.Second
	}
	if heartbeatInterval == 0 {
		heartbeatInterval = 2 * time.Second
	}
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// Run starts the election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s)", e.lockKey, e.retryInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		if reason := e.runOnce(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: lost leadership (%s), retrying in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership ended ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	// Advisory locks are session-scoped: a dedicated connection is required.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection failed: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired); err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired advisory lock %d, starting promoter duties", e.lockKey)

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, conn)

	cancelLeader()
	e.onDemoted()

	log.Printf("leader: released advisory lock %d", e.lockKey)
	return reason
}

// holdLock blocks while pinging the dedicated connection. The ping detects
// local connection death; it does not renew the lock.
func (e *Elector) holdLock(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: connection ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
