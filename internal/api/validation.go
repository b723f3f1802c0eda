package api

import (
	"errors"
	"fmt"
	"time"
)

// Submission validation failures. ErrMissingFields maps to the
// validation_error code in the 400 response; both deadline errors map to
// invalid_deadline.
var (
	ErrMissingFields     = errors.New("user_id, docker_image, and deadline are required")
	ErrBadDeadlineFormat = errors.New("deadline must be an ISO 8601 instant (e.g. 2025-12-05T18:00:00Z)")
	ErrDeadlineInPast    = errors.New("deadline must be in the future")
)

// validateSubmit checks the submission payload and returns the parsed
// deadline on success.
func validateSubmit(req SubmitJobRequest, now time.Time) (time.Time, error) {
	if req.UserID == "" || req.DockerImage == "" || req.Deadline == "" {
		return time.Time{}, ErrMissingFields
	}

	deadline, err := time.Parse(time.RFC3339, req.Deadline)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadDeadlineFormat, err)
	}

	if !deadline.After(now) {
		return time.Time{}, ErrDeadlineInPast
	}

	return deadline, nil
}

// clampLimit applies a default and a hard maximum to a limit.
func clampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}
