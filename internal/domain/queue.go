package domain

import "time"

// QueueEntry is the broker wire format for a queued job.
// The JSON field names are part of the queue contract; both lanes carry
// the same shape.
type QueueEntry struct {
	JobID         string    `json:"job_id"`
	DockerImage   string    `json:"docker_image"`
	Command       *string   `json:"command,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Priority      int       `json:"priority"` // reserved, always 0
}
