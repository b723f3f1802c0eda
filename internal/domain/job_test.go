package domain

import "testing"

func TestJobStatus_IsValid(t *testing.T) {
	valid := []JobStatus{JobStatusPending, JobStatusDelayed, JobStatusRunning, JobStatusCompleted, JobStatusFailed}
	for _, s := range valid {
		if !s.IsValid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if JobStatus("QUEUED").IsValid() {
		t.Fatal("expected unknown status to be invalid")
	}
}

func TestJobStatus_CanTransitionTo(t *testing.T) {
	allowed := []struct{ from, to JobStatus }{
		{JobStatusPending, JobStatusDelayed},
		{JobStatusPending, JobStatusRunning},
		{JobStatusDelayed, JobStatusRunning},
		{JobStatusRunning, JobStatusCompleted},
		{JobStatusRunning, JobStatusFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to JobStatus }{
		{JobStatusDelayed, JobStatusPending},
		{JobStatusRunning, JobStatusPending},
		{JobStatusCompleted, JobStatusRunning},
		{JobStatusCompleted, JobStatusFailed},
		{JobStatusFailed, JobStatusRunning},
		{JobStatusPending, JobStatusCompleted},
	}
	for _, tc := range denied {
		if tc.from.CanTransitionTo(tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	if !JobStatusCompleted.IsTerminal() || !JobStatusFailed.IsTerminal() {
		t.Fatal("expected completed/failed to be terminal")
	}
	if JobStatusRunning.IsTerminal() || JobStatusPending.IsTerminal() || JobStatusDelayed.IsTerminal() {
		t.Fatal("expected non-terminal statuses")
	}
}

func TestAllowedPredecessors(t *testing.T) {
	if got := AllowedPredecessors(JobStatusRunning); len(got) != 2 {
		t.Fatalf("expected 2 predecessors for RUNNING, got %d", len(got))
	}
	if got := AllowedPredecessors(JobStatusPending); got != nil {
		t.Fatalf("expected no predecessors for PENDING, got %v", got)
	}
}
