package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/karbos/internal/api"
	"github.com/djlord-it/karbos/internal/carbon"
	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/janitor"
	"github.com/djlord-it/karbos/internal/worker"
)

// Store implements the job store, the carbon intensity cache, and the
// execution record log on PostgreSQL. Missing rows surface as sql.ErrNoRows.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// New creates a store. opTimeout bounds every operation; 0 means 5 seconds.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout == 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// PingContext reports database connectivity for health checks.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob persists a new job, assigning identity and defaults when unset.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Metadata == "" {
		job.Metadata = "{}"
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.UserID,
		job.DockerImage,
		job.Command,
		string(job.Status),
		job.ScheduledTime,
		job.Deadline,
		job.EstimatedDuration,
		job.Region,
		job.Metadata,
		job.CreatedAt,
	)
	return err
}

// GetJobByID returns the job or sql.ErrNoRows.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	job := &domain.Job{}
	var status string
	err := s.db.QueryRowContext(ctx, queryGetJobByID, id).Scan(
		&job.ID,
		&job.UserID,
		&job.DockerImage,
		&job.Command,
		&status,
		&job.ScheduledTime,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.Deadline,
		&job.EstimatedDuration,
		&job.Region,
		&job.Metadata,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return job, nil
}

// UpdateJobStatus transitions a job's status. Transitions that violate the
// lifecycle graph are rejected with worker.ErrStatusTransitionDenied; a
// missing job surfaces as sql.ErrNoRows. Entering RUNNING stamps started_at;
// entering a terminal status stamps completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus) error {
	predecessors := domain.AllowedPredecessors(status)
	if predecessors == nil {
		return worker.ErrStatusTransitionDenied
	}
	from := make([]string, len(predecessors))
	for i, p := range predecessors {
		from[i] = string(p)
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateJobStatus, string(status), id, pq.Array(from))
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		// Either the job does not exist or its current status forbids the
		// transition. Distinguish with a follow-up read.
		var current string
		err := s.db.QueryRowContext(ctx, queryGetJobStatus, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		if err != nil {
			return err
		}
		return worker.ErrStatusTransitionDenied
	}

	return nil
}

// ListJobsByStatus returns jobs in a status, newest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.listJobs(ctx, queryListJobsByStatus, string(status), limit)
}

// ListJobsByUser returns a user's jobs, newest first.
func (s *Store) ListJobsByUser(ctx context.Context, userID string, limit int) ([]*domain.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	return s.listJobs(ctx, queryListJobsByUser, userID, limit)
}

// ListAllJobs returns all jobs, newest first.
func (s *Store) ListAllJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListAllJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) listJobs(ctx context.Context, query string, arg any, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job := &domain.Job{}
		var status string
		err := rows.Scan(
			&job.ID,
			&job.UserID,
			&job.DockerImage,
			&job.Command,
			&status,
			&job.ScheduledTime,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
			&job.Deadline,
			&job.EstimatedDuration,
			&job.Region,
			&job.Metadata,
		)
		if err != nil {
			return nil, err
		}
		job.Status = domain.JobStatus(status)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CreateExecutionRecord persists one terminal execution record.
// The worker pool is the only caller.
func (s *Store) CreateExecutionRecord(ctx context.Context, record *domain.ExecutionRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertExecutionRecord,
		record.ID,
		record.JobID,
		record.Output,
		record.ErrorOutput,
		record.ExitCode,
		record.Duration,
		record.StartedAt,
		record.CompletedAt,
		record.WorkerNodeID,
	)
	return err
}

// ListExecutionRecords returns a job's execution records, newest first.
func (s *Store) ListExecutionRecords(ctx context.Context, jobID uuid.UUID, limit int) ([]*domain.ExecutionRecord, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListExecutionRecords, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.ExecutionRecord
	for rows.Next() {
		record := &domain.ExecutionRecord{}
		err := rows.Scan(
			&record.ID,
			&record.JobID,
			&record.Output,
			&record.ErrorOutput,
			&record.ExitCode,
			&record.Duration,
			&record.StartedAt,
			&record.CompletedAt,
			&record.WorkerNodeID,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// LookupNearest returns the cached sample closest to instant within
// +/- 15 minutes, or (nil, nil) on a miss. Ties prefer the smallest epoch
// delta, then the most recent fetch.
func (s *Store) LookupNearest(ctx context.Context, region string, instant time.Time) (*carbon.Sample, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sample := &carbon.Sample{Unit: carbon.Unit}
	var source sql.NullString
	err := s.db.QueryRowContext(ctx, queryLookupNearestSample, region, instant).Scan(
		&sample.Region,
		&sample.Timestamp,
		&sample.Intensity,
		&source,
		&sample.FetchedAt,
		&sample.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sample.Provenance = source.String
	return sample, nil
}

// LookupRange returns unexpired samples in [start, end] ordered by timestamp.
func (s *Store) LookupRange(ctx context.Context, region string, start, end time.Time) ([]carbon.Sample, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryLookupRangeSamples, region, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []carbon.Sample
	for rows.Next() {
		sample := carbon.Sample{Unit: carbon.Unit}
		var source sql.NullString
		err := rows.Scan(
			&sample.Region,
			&sample.Timestamp,
			&sample.Intensity,
			&source,
			&sample.FetchedAt,
			&sample.ExpiresAt,
		)
		if err != nil {
			return nil, err
		}
		sample.Provenance = source.String
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Upsert inserts or overwrites a sample by its (region, timestamp) natural
// key, setting expires_at = fetched_at + ttl.
func (s *Store) Upsert(ctx context.Context, sample carbon.Sample, ttl time.Duration) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, queryUpsertSample,
		uuid.New(),
		sample.Region,
		sample.Timestamp,
		sample.Intensity,
		sample.Provenance,
		now,
		now.Add(ttl),
	)
	return err
}

// BulkUpsert upserts samples transactionally: all rows persist or none do.
func (s *Store) BulkUpsert(ctx context.Context, samples []carbon.Sample, ttl time.Duration) error {
	if len(samples) == 0 {
		return nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, queryUpsertSample)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	expires := now.Add(ttl)
	for _, sample := range samples {
		_, err := stmt.ExecContext(ctx,
			uuid.New(),
			sample.Region,
			sample.Timestamp,
			sample.Intensity,
			sample.Provenance,
			now,
			expires,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// IsFresh reports whether a sample was fetched within maxAge.
func (s *Store) IsFresh(sample *carbon.Sample, maxAge time.Duration) bool {
	return time.Since(sample.FetchedAt) < maxAge
}

// PurgeCarbonCache deletes cache rows older than maxAge and returns the count.
func (s *Store) PurgeCarbonCache(ctx context.Context, maxAge time.Duration) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryPurgeSamples, maxAge.Seconds())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Compile-time interface assertions
var (
	_ carbon.Cache  = (*Store)(nil)
	_ worker.Store  = (*Store)(nil)
	_ api.Store     = (*Store)(nil)
	_ janitor.Store = (*Store)(nil)
)
