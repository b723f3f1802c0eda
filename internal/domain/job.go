package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusDelayed   JobStatus = "DELAYED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusDelayed, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. Terminal jobs are immutable.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the lifecycle graph permits s -> next.
// Allowed edges: Pending->Delayed, Pending->Running, Delayed->Running,
// Running->Completed, Running->Failed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusDelayed || next == JobStatusRunning
	case JobStatusDelayed:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// AllowedPredecessors returns the statuses from which next may be entered.
// The store embeds this set in its conditional status update.
func AllowedPredecessors(next JobStatus) []JobStatus {
	switch next {
	case JobStatusDelayed:
		return []JobStatus{JobStatusPending}
	case JobStatusRunning:
		return []JobStatus{JobStatusPending, JobStatusDelayed}
	case JobStatusCompleted, JobStatusFailed:
		return []JobStatus{JobStatusRunning}
	default:
		return nil
	}
}

// Job is a submitted work item.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	DockerImage string     `json:"docker_image"`
	Command     *string    `json:"command,omitempty"` // JSON-encoded argv
	Status      JobStatus  `json:"status"`

	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Deadline          time.Time `json:"deadline"`
	EstimatedDuration *int      `json:"estimated_duration,omitempty"` // seconds
	Region            *string   `json:"region,omitempty"`
	Metadata          string    `json:"metadata,omitempty"` // JSON object stored as text
}
