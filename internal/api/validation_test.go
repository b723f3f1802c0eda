package api

import (
	"errors"
	"testing"
	"time"
)

var now = time.Date(2025, 12, 4, 14, 0, 0, 0, time.UTC)

func TestValidateSubmit_Valid(t *testing.T) {
	deadline, err := validateSubmit(SubmitJobRequest{
		UserID:      "user-1",
		DockerImage: "alpine:latest",
		Deadline:    "2025-12-04T20:00:00Z",
	}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deadline.Equal(time.Date(2025, 12, 4, 20, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected deadline: %s", deadline)
	}
}

func TestValidateSubmit_MissingFields(t *testing.T) {
	cases := []SubmitJobRequest{
		{DockerImage: "alpine", Deadline: "2025-12-04T20:00:00Z"},
		{UserID: "u", Deadline: "2025-12-04T20:00:00Z"},
		{UserID: "u", DockerImage: "alpine"},
	}
	for i, req := range cases {
		if _, err := validateSubmit(req, now); !errors.Is(err, ErrMissingFields) {
			t.Fatalf("case %d: expected ErrMissingFields, got %v", i, err)
		}
	}
}

func TestValidateSubmit_BadDeadlineFormat(t *testing.T) {
	_, err := validateSubmit(SubmitJobRequest{
		UserID: "u", DockerImage: "alpine", Deadline: "tomorrow at noon",
	}, now)
	if !errors.Is(err, ErrBadDeadlineFormat) {
		t.Fatalf("expected ErrBadDeadlineFormat, got %v", err)
	}
}

func TestValidateSubmit_DeadlineEqualToNow_Rejected(t *testing.T) {
	_, err := validateSubmit(SubmitJobRequest{
		UserID: "u", DockerImage: "alpine", Deadline: now.Format(time.RFC3339),
	}, now)
	if !errors.Is(err, ErrDeadlineInPast) {
		t.Fatalf("expected ErrDeadlineInPast for deadline == now, got %v", err)
	}
}

func TestValidateSubmit_DeadlineInPast(t *testing.T) {
	_, err := validateSubmit(SubmitJobRequest{
		UserID: "u", DockerImage: "alpine", Deadline: now.Add(-time.Hour).Format(time.RFC3339),
	}, now)
	if !errors.Is(err, ErrDeadlineInPast) {
		t.Fatalf("expected ErrDeadlineInPast, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	cases := []struct {
		limit, fallback, max, want int
	}{
		{0, 100, 500, 100},
		{-3, 100, 500, 100},
		{50, 100, 500, 50},
		{501, 100, 500, 500},
		{101, 50, 100, 100},
	}
	for _, tc := range cases {
		if got := clampLimit(tc.limit, tc.fallback, tc.max); got != tc.want {
			t.Fatalf("clampLimit(%d, %d, %d) = %d, want %d", tc.limit, tc.fallback, tc.max, got, tc.want)
		}
	}
}
