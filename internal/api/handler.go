// Package api exposes the HTTP surface: job submission with carbon-aware
// scheduling, job inspection, the carbon forecast read, and system health.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/karbos/internal/carbon"
	"github.com/djlord-it/karbos/internal/circuitbreaker"
	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/queue"
	"github.com/djlord-it/karbos/internal/scheduler"
)

// maxRequestBodySize caps submission payloads (1MB).
const maxRequestBodySize = 1 << 20

// Store is the persistence capability the API needs.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus) error
	ListJobsByUser(ctx context.Context, userID string, limit int) ([]*domain.Job, error)
	ListAllJobs(ctx context.Context, limit int) ([]*domain.Job, error)
}

// Queue is the broker capability the API needs.
type Queue interface {
	EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error
	EnqueueDelayed(ctx context.Context, entry *domain.QueueEntry) error
	ImmediateDepth(ctx context.Context) (int64, error)
	DelayedStats(ctx context.Context, now time.Time) (*queue.DelayedStats, error)
	ListActiveWorkers(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// CarbonScheduler computes scheduling decisions.
type CarbonScheduler interface {
	Schedule(ctx context.Context, req *scheduler.Request) (*scheduler.Result, error)
}

// CarbonFetcher serves the forecast endpoint.
type CarbonFetcher interface {
	GetForecastForWindow(ctx context.Context, region string, windowHours int) ([]carbon.Sample, error)
	GetCurrentCarbonIntensity(ctx context.Context, region string) (*carbon.Sample, error)
}

// BreakerStatus exposes breaker state for the status endpoint.
type BreakerStatus interface {
	State() circuitbreaker.State
	Failures() int
}

// AnalyticsSink records decisions as a best-effort side effect.
type AnalyticsSink interface {
	RecordDecision(ctx context.Context, region string, immediate bool, savings float64, t time.Time) error
}

// MetricsSink records API observations. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	JobSubmitted(decision string)
	SavingsObserve(savings float64)
	QueueDepthUpdate(immediate, delayed int64)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// Handler routes the API.
type Handler struct {
	store     Store
	queue     Queue
	scheduler CarbonScheduler
	fetcher   CarbonFetcher

	defaultRegion string

	breaker   BreakerStatus // optional
	analytics AnalyticsSink // optional
	metrics   MetricsSink   // optional
	db        HealthChecker // optional
	clock     func() time.Time
}

// NewHandler creates the API handler.
func NewHandler(store Store, queue Queue, sched CarbonScheduler, fetcher CarbonFetcher, defaultRegion string) *Handler {
	if defaultRegion == "" {
		defaultRegion = "US-EAST"
	}
	return &Handler{
		store:         store,
		queue:         queue,
		scheduler:     sched,
		fetcher:       fetcher,
		defaultRegion: defaultRegion,
		clock:         time.Now,
	}
}

// WithBreaker exposes breaker state on the status endpoint.
func (h *Handler) WithBreaker(breaker BreakerStatus) *Handler {
	h.breaker = breaker
	return h
}

// WithAnalytics attaches a decision analytics sink.
func (h *Handler) WithAnalytics(sink AnalyticsSink) *Handler {
	h.analytics = sink
	return h
}

// WithMetrics attaches a metrics sink.
func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/api/submit" && r.Method == http.MethodPost:
		h.submitJob(w, r)

	case path == "/api/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)

	case strings.HasPrefix(path, "/api/jobs/") && r.Method == http.MethodGet:
		h.getJob(w, r)

	case strings.HasPrefix(path, "/api/users/") && strings.HasSuffix(path, "/jobs") && r.Method == http.MethodGet:
		h.listUserJobs(w, r)

	case path == "/api/carbon/forecast" && r.Method == http.MethodGet:
		h.forecast(w, r)

	case path == "/api/system/status" && r.Method == http.MethodGet:
		h.systemStatus(w, r)

	default:
		writeError(w, http.StatusNotFound, "not_found", "not found")
	}
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dryRun := r.URL.Query().Get("dry_run") == "true"
	now := h.clock()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	deadline, err := validateSubmit(req, now)
	if err != nil {
		code := "validation_error"
		if errors.Is(err, ErrBadDeadlineFormat) || errors.Is(err, ErrDeadlineInPast) {
			code = "invalid_deadline"
		}
		writeError(w, http.StatusBadRequest, code, err.Error())
		return
	}

	region := h.defaultRegion
	if req.Region != nil && *req.Region != "" {
		region = *req.Region
	}

	estimatedDuration := 10 * time.Minute
	if req.EstimatedDuration != nil && *req.EstimatedDuration > 0 {
		estimatedDuration = time.Duration(*req.EstimatedDuration) * time.Second
	}

	// Carbon-aware decision. Carbon trouble degrades quality of service,
	// never the submission itself: on scheduler failure the job runs now.
	scheduledTime := now
	immediate := true
	expectedIntensity := 0.0
	carbonSavings := 0.0

	schedCtx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	result, err := h.scheduler.Schedule(schedCtx, &scheduler.Request{
		Region:   region,
		Duration: estimatedDuration,
		Deadline: deadline,
	})
	if err != nil {
		log.Printf("api: scheduling failed, defaulting to immediate: %v", err)
	} else {
		scheduledTime = result.ScheduledTime
		immediate = result.Immediate
		expectedIntensity = result.ExpectedIntensity
		carbonSavings = result.CarbonSavings
	}

	var commandJSON *string
	if len(req.Command) > 0 {
		encoded, err := json.Marshal(req.Command)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_command", "failed to process command")
			return
		}
		s := string(encoded)
		commandJSON = &s
	}

	job := &domain.Job{
		ID:                uuid.New(),
		UserID:            req.UserID,
		DockerImage:       req.DockerImage,
		Command:           commandJSON,
		Status:            domain.JobStatusPending,
		ScheduledTime:     &scheduledTime,
		CreatedAt:         now.UTC(),
		Deadline:          deadline,
		EstimatedDuration: req.EstimatedDuration,
		Region:            &region,
		Metadata:          "{}",
	}

	h.recordDecision(r.Context(), region, immediate, carbonSavings, now)

	message := "Job submitted successfully"
	if !immediate {
		message = "Job scheduled for optimal carbon efficiency"
	}

	if dryRun {
		writeJSON(w, http.StatusOK, SubmitJobResponse{
			ID:                job.ID.String(),
			Status:            domain.JobStatusPending,
			CreatedAt:         job.CreatedAt,
			ScheduledTime:     formatTime(scheduledTime),
			Immediate:         immediate,
			ExpectedIntensity: expectedIntensity,
			CarbonSavings:     carbonSavings,
			Message:           "Dry run - job not created",
		})
		return
	}

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		log.Printf("api: create job failed: %v", err)
		writeError(w, http.StatusInternalServerError, "database_error", "failed to create job")
		return
	}

	entry := &domain.QueueEntry{
		JobID:         job.ID.String(),
		DockerImage:   job.DockerImage,
		Command:       job.Command,
		ScheduledTime: scheduledTime,
		Priority:      0,
	}

	if immediate {
		err = h.queue.EnqueueImmediate(r.Context(), entry)
	} else {
		err = h.queue.EnqueueDelayed(r.Context(), entry)
	}
	if err != nil {
		log.Printf("api: enqueue job %s failed: %v", job.ID, err)
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "job stored but could not be queued")
		return
	}

	if !immediate {
		if err := h.store.UpdateJobStatus(r.Context(), job.ID, domain.JobStatusDelayed); err != nil {
			log.Printf("api: mark job %s delayed: %v", job.ID, err)
		} else {
			job.Status = domain.JobStatusDelayed
		}
	}

	writeJSON(w, http.StatusCreated, SubmitJobResponse{
		ID:                job.ID.String(),
		Status:            job.Status,
		CreatedAt:         job.CreatedAt,
		ScheduledTime:     formatTime(scheduledTime),
		Immediate:         immediate,
		ExpectedIntensity: expectedIntensity,
		CarbonSavings:     carbonSavings,
		Message:           message,
	})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}

	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid job ID format")
		return
	}

	job, err := h.store.GetJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		log.Printf("api: get job failed: %v", err)
		writeError(w, http.StatusInternalServerError, "database_error", "failed to retrieve job")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(queryInt(r, "limit"), DefaultListLimit, MaxListLimit)

	jobs, err := h.store.ListAllJobs(r.Context(), limit)
	if err != nil {
		log.Printf("api: list jobs failed: %v", err)
		writeError(w, http.StatusInternalServerError, "database_error", "failed to retrieve jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (h *Handler) listUserJobs(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "jobs" {
		writeError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	userID := parts[2]
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_user_id", "user ID is required")
		return
	}

	limit := clampLimit(queryInt(r, "limit"), DefaultUserListLimit, MaxUserListLimit)

	jobs, err := h.store.ListJobsByUser(r.Context(), userID, limit)
	if err != nil {
		log.Printf("api: list user jobs failed: %v", err)
		writeError(w, http.StatusInternalServerError, "database_error", "failed to retrieve jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}

	writeJSON(w, http.StatusOK, UserJobsResponse{
		UserID: userID,
		Count:  len(jobs),
		Jobs:   jobs,
	})
}

func (h *Handler) forecast(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		region = h.defaultRegion
	}

	samples, err := h.fetcher.GetForecastForWindow(r.Context(), region, 24)
	if err != nil {
		log.Printf("api: forecast failed: %v", err)
		writeError(w, http.StatusInternalServerError, "carbon_error", "failed to retrieve forecast")
		return
	}

	resp := ForecastResponse{Region: region, Samples: make([]ForecastSample, len(samples))}
	for i, s := range samples {
		resp.Samples[i] = ForecastSample{
			Region:    s.Region,
			Timestamp: s.Timestamp,
			Intensity: s.Intensity,
			Unit:      s.Unit,
		}
	}

	if len(samples) > 0 {
		current := samples[0].Intensity
		resp.CurrentIntensity = &current

		optimal := samples[0]
		for _, s := range samples[1:] {
			if s.Intensity < optimal.Intensity {
				optimal = s
			}
		}
		optimalTime := optimal.Timestamp
		resp.OptimalTime = &optimalTime
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	now := h.clock()

	resp := SystemStatusResponse{ActiveWorkers: []string{}}

	immediate, err := h.queue.ImmediateDepth(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "broker unavailable")
		return
	}
	resp.ImmediateDepth = immediate

	if stats, err := h.queue.DelayedStats(r.Context(), now); err == nil {
		resp.DelayedDepth = stats.TotalDelayed
		resp.DueNow = stats.DueNow
	}

	if workers, err := h.queue.ListActiveWorkers(r.Context()); err == nil && workers != nil {
		resp.ActiveWorkers = workers
	}

	if h.breaker != nil {
		resp.BreakerState = h.breaker.State().String()
		resp.BreakerFails = h.breaker.Failures()
	}

	if h.metrics != nil {
		h.metrics.QueueDepthUpdate(resp.ImmediateDepth, resp.DelayedDepth)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components["database"] = "unhealthy: " + err.Error()
		} else {
			resp.Components["database"] = "healthy"
		}
	}

	if err := h.queue.HealthCheck(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["queue"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["queue"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

// recordDecision feeds analytics and metrics; both are best-effort.
func (h *Handler) recordDecision(ctx context.Context, region string, immediate bool, savings float64, now time.Time) {
	if h.metrics != nil {
		decision := "scheduled"
		if immediate {
			decision = "immediate"
		}
		h.metrics.JobSubmitted(decision)
		h.metrics.SavingsObserve(savings)
	}
	if h.analytics != nil {
		if err := h.analytics.RecordDecision(ctx, region, immediate, savings, now); err != nil {
			log.Printf("api: decision analytics write failed: %v", err)
		}
	}
}

func queryInt(r *http.Request, key string) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg, Code: status})
}
