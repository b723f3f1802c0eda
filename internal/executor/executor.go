// Package executor abstracts the container runtime: pull an image, run a
// container to completion under resource limits, and collect the outcome.
package executor

import (
	"context"
	"errors"
	"time"
)

// Runtime failures.
var (
	ErrRuntimeUnreachable    = errors.New("container runtime unreachable")
	ErrImageUnavailable      = errors.New("container image unavailable")
	ErrContainerCreateFailed = errors.New("container create failed")
	ErrContainerStartFailed  = errors.New("container start failed")
	ErrLogStreamBroken       = errors.New("container log stream broken")
)

// Limits is the resource ceiling applied to every container.
type Limits struct {
	MemoryBytes int64 // default 512 MiB
	CPUQuota    int64 // default 50000 (50% of one core)
}

// DefaultLimits returns the standard resource ceiling.
func DefaultLimits() Limits {
	return Limits{
		MemoryBytes: 512 * 1024 * 1024,
		CPUQuota:    50000,
	}
}

// Result is the outcome of one container run.
type Result struct {
	ExitCode       int
	CapturedOutput string // stdout and stderr, delimited when both non-empty
	RuntimeSeconds int
	StartedAt      time.Time
}

// Runtime is the capability set the worker pool depends on.
type Runtime interface {
	// EnsureImage pulls the image if it is not present locally. Idempotent.
	EnsureImage(ctx context.Context, ref string) error
	// Run executes a container to completion or until ctx's deadline.
	// Cleanup of the container is guaranteed on every exit path.
	Run(ctx context.Context, ref string, argv []string, limits Limits) (*Result, error)
	// Ping reports runtime daemon reachability.
	Ping(ctx context.Context) error
}
