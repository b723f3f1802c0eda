package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/karbos/internal/carbon"
	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/queue"
	"github.com/djlord-it/karbos/internal/scheduler"
)

type mockStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*domain.Job
	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *mockStore) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *mockStore) GetJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *job
	return &copied, nil
}

func (s *mockStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	job.Status = status
	return nil
}

func (s *mockStore) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*domain.Job
	for _, job := range s.jobs {
		if job.UserID == userID && len(jobs) < limit {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

func (s *mockStore) ListAllJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*domain.Job
	for _, job := range s.jobs {
		if len(jobs) < limit {
			copied := *job
			jobs = append(jobs, &copied)
		}
	}
	return jobs, nil
}

func (s *mockStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type stubScheduler struct {
	result *scheduler.Result
	err    error
}

func (s *stubScheduler) Schedule(ctx context.Context, req *scheduler.Request) (*scheduler.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubFetcher struct {
	samples []carbon.Sample
}

func (f *stubFetcher) GetForecastForWindow(ctx context.Context, region string, windowHours int) ([]carbon.Sample, error) {
	return f.samples, nil
}

func (f *stubFetcher) GetCurrentCarbonIntensity(ctx context.Context, region string) (*carbon.Sample, error) {
	if len(f.samples) == 0 {
		return nil, carbon.ErrProviderUnreachable
	}
	return &f.samples[0], nil
}

// failingQueue injects enqueue errors over the memory queue.
type failingQueue struct {
	*queue.MemoryQueue
	enqueueErr error
}

func (q *failingQueue) EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	return q.MemoryQueue.EnqueueImmediate(ctx, entry)
}

func (q *failingQueue) EnqueueDelayed(ctx context.Context, entry *domain.QueueEntry) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	return q.MemoryQueue.EnqueueDelayed(ctx, entry)
}

var testNow = time.Date(2025, 12, 4, 14, 0, 0, 0, time.UTC)

func immediateResult() *scheduler.Result {
	return &scheduler.Result{
		ScheduledTime:     testNow,
		ExpectedIntensity: 320,
		Immediate:         true,
		CarbonSavings:     0,
	}
}

func scheduledResult() *scheduler.Result {
	return &scheduler.Result{
		ScheduledTime:     testNow.Add(3 * time.Hour),
		ExpectedIntensity: 260,
		Immediate:         false,
		CarbonSavings:     190,
	}
}

func newTestHandler(store Store, q Queue, sched CarbonScheduler, fetcher CarbonFetcher) *Handler {
	h := NewHandler(store, q, sched, fetcher, "US-EAST")
	h.clock = func() time.Time { return testNow }
	return h
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(SubmitJobRequest{
		UserID:      "user-1",
		DockerImage: "alpine:latest",
		Deadline:    testNow.Add(6 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestSubmit_Immediate_Created(t *testing.T) {
	store := newMockStore()
	q := queue.NewMemoryQueue()
	h := newTestHandler(store, q, &stubScheduler{result: immediateResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", submitBody(t)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SubmitJobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Immediate {
		t.Fatal("expected immediate decision")
	}
	if resp.Status != domain.JobStatusPending {
		t.Fatalf("expected PENDING, got %s", resp.Status)
	}

	depth, _ := q.ImmediateDepth(context.Background())
	if depth != 1 {
		t.Fatalf("expected entry in immediate lane, depth=%d", depth)
	}
	if store.jobCount() != 1 {
		t.Fatalf("expected job persisted, count=%d", store.jobCount())
	}
}

func TestSubmit_Scheduled_DelayedLaneAndStatus(t *testing.T) {
	store := newMockStore()
	q := queue.NewMemoryQueue()
	h := newTestHandler(store, q, &stubScheduler{result: scheduledResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", submitBody(t)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SubmitJobResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Immediate {
		t.Fatal("expected scheduled decision")
	}
	if resp.Status != domain.JobStatusDelayed {
		t.Fatalf("expected DELAYED, got %s", resp.Status)
	}
	if resp.CarbonSavings != 190 {
		t.Fatalf("expected savings 190, got %v", resp.CarbonSavings)
	}

	delayed, _ := q.DelayedDepth(context.Background())
	if delayed != 1 {
		t.Fatalf("expected entry in delayed lane, depth=%d", delayed)
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	h := newTestHandler(newMockStore(), queue.NewMemoryQueue(), &stubScheduler{result: immediateResult()}, &stubFetcher{})

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing fields", `{"docker_image":"alpine"}`, "validation_error"},
		{"bad deadline", `{"user_id":"u","docker_image":"alpine","deadline":"noonish"}`, "invalid_deadline"},
		{"past deadline", `{"user_id":"u","docker_image":"alpine","deadline":"2025-12-04T13:00:00Z"}`, "invalid_deadline"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", bytes.NewBufferString(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			var resp ErrorResponse
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Error != tc.wantCode {
				t.Fatalf("expected error code %q, got %q", tc.wantCode, resp.Error)
			}
		})
	}
}

func TestSubmit_DryRun_NothingPersisted(t *testing.T) {
	store := newMockStore()
	q := queue.NewMemoryQueue()
	h := newTestHandler(store, q, &stubScheduler{result: scheduledResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit?dry_run=true", submitBody(t)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for dry run, got %d", rec.Code)
	}
	if store.jobCount() != 0 {
		t.Fatal("expected no job persisted on dry run")
	}
	immediate, _ := q.ImmediateDepth(context.Background())
	delayed, _ := q.DelayedDepth(context.Background())
	if immediate != 0 || delayed != 0 {
		t.Fatal("expected nothing enqueued on dry run")
	}
}

func TestSubmit_StoreFailure_500_NotEnqueued(t *testing.T) {
	store := newMockStore()
	store.createErr = errors.New("disk full")
	q := queue.NewMemoryQueue()
	h := newTestHandler(store, q, &stubScheduler{result: immediateResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", submitBody(t)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	depth, _ := q.ImmediateDepth(context.Background())
	if depth != 0 {
		t.Fatal("expected nothing enqueued after store failure")
	}
}

func TestSubmit_BrokerUnavailable_503(t *testing.T) {
	store := newMockStore()
	q := &failingQueue{MemoryQueue: queue.NewMemoryQueue(), enqueueErr: errors.New("connection refused")}
	h := newTestHandler(store, q, &stubScheduler{result: immediateResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", submitBody(t)))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSubmit_SchedulerFailure_InvisibleToUser(t *testing.T) {
	store := newMockStore()
	q := queue.NewMemoryQueue()
	h := newTestHandler(store, q, &stubScheduler{err: carbon.ErrProviderUnreachable}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", submitBody(t)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite scheduling failure, got %d", rec.Code)
	}
	var resp SubmitJobResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Immediate || resp.CarbonSavings != 0 {
		t.Fatalf("expected immediate with zero savings, got %+v", resp)
	}
}

func TestGetJob_FoundAndNotFound(t *testing.T) {
	store := newMockStore()
	h := newTestHandler(store, queue.NewMemoryQueue(), &stubScheduler{result: immediateResult()}, &stubFetcher{})

	jobID := uuid.New()
	store.jobs[jobID] = &domain.Job{ID: jobID, UserID: "user-1", Status: domain.JobStatusPending}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+jobID.String(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.New().String(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/not-a-uuid", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestListUserJobs_WrappedResponse(t *testing.T) {
	store := newMockStore()
	h := newTestHandler(store, queue.NewMemoryQueue(), &stubScheduler{result: immediateResult()}, &stubFetcher{})

	for i := 0; i < 3; i++ {
		id := uuid.New()
		store.jobs[id] = &domain.Job{ID: id, UserID: "user-1"}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/users/user-1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp UserJobsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserID != "user-1" || resp.Count != 3 || len(resp.Jobs) != 3 {
		t.Fatalf("unexpected wrapper: user=%s count=%d jobs=%d", resp.UserID, resp.Count, len(resp.Jobs))
	}
}

func TestForecast_SamplesWithOptimal(t *testing.T) {
	samples := []carbon.Sample{
		{Region: "US-EAST", Timestamp: testNow, Intensity: 450, Unit: carbon.Unit},
		{Region: "US-EAST", Timestamp: testNow.Add(time.Hour), Intensity: 260, Unit: carbon.Unit},
		{Region: "US-EAST", Timestamp: testNow.Add(2 * time.Hour), Intensity: 320, Unit: carbon.Unit},
	}
	h := newTestHandler(newMockStore(), queue.NewMemoryQueue(), &stubScheduler{result: immediateResult()}, &stubFetcher{samples: samples})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/carbon/forecast?region=US-EAST", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp ForecastResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(resp.Samples))
	}
	if resp.CurrentIntensity == nil || *resp.CurrentIntensity != 450 {
		t.Fatalf("expected current 450, got %v", resp.CurrentIntensity)
	}
	if resp.OptimalTime == nil || !resp.OptimalTime.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expected optimal at +1h, got %v", resp.OptimalTime)
	}
}

func TestSystemStatus_ReportsDepths(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newTestHandler(newMockStore(), q, &stubScheduler{result: immediateResult()}, &stubFetcher{})

	ctx := context.Background()
	q.EnqueueImmediate(ctx, &domain.QueueEntry{JobID: "a"})
	q.EnqueueDelayed(ctx, &domain.QueueEntry{JobID: "b", ScheduledTime: testNow.Add(time.Hour)})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp SystemStatusResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ImmediateDepth != 1 || resp.DelayedDepth != 1 {
		t.Fatalf("unexpected depths: %+v", resp)
	}
}

func TestHealth_Simple(t *testing.T) {
	h := newTestHandler(newMockStore(), queue.NewMemoryQueue(), &stubScheduler{result: immediateResult()}, &stubFetcher{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
