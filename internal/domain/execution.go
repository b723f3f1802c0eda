package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionRecord records one terminating container run of a job.
// It is written once by the worker pool and never mutated.
type ExecutionRecord struct {
	ID           uuid.UUID  `json:"id"`
	JobID        uuid.UUID  `json:"job_id"`
	Output       *string    `json:"output,omitempty"`
	ErrorOutput  *string    `json:"error_output,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Duration     *int       `json:"duration,omitempty"` // seconds
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	WorkerNodeID *string    `json:"worker_node_id,omitempty"`
}
