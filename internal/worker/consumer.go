package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/karbos/internal/domain"
)

// consumeLoop is one consumer: dequeue, execute, record, transition.
func (p *Pool) consumeLoop(workerNum int) {
	log.Printf("worker[%d]: started", workerNum)

	for {
		select {
		case <-p.ctx.Done():
			log.Printf("worker[%d]: stopped", workerNum)
			return
		default:
		}

		if p.IsDraining() {
			log.Printf("worker[%d]: draining, no longer dequeuing", workerNum)
			<-p.ctx.Done()
			log.Printf("worker[%d]: stopped", workerNum)
			return
		}

		processed, err := p.processNext(p.ctx, workerNum)
		if err != nil {
			log.Printf("worker[%d]: %v", workerNum, err)
		}
		if !processed {
			// Empty lane or broker hiccup: back off before polling again.
			select {
			case <-p.ctx.Done():
			case <-time.After(p.config.PollInterval):
			}
		}
	}
}

// processNext dequeues and handles a single entry. It returns false when
// there was nothing to do.
func (p *Pool) processNext(ctx context.Context, workerNum int) (bool, error) {
	entry, err := p.queue.DequeueImmediate(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	jobID, err := uuid.Parse(entry.JobID)
	if err != nil {
		return true, fmt.Errorf("invalid job id %q: %w", entry.JobID, err)
	}

	log.Printf("worker[%d]: processing job %s", workerNum, jobID)
	p.executeJob(ctx, workerNum, jobID)
	return true, nil
}

// executeJob runs the full job lifecycle for one dequeued entry.
func (p *Pool) executeJob(ctx context.Context, workerNum int, jobID uuid.UUID) {
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	defer cancel()

	job, err := p.store.GetJobByID(jobCtx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Spurious entry: the job row is gone. Drop it.
			log.Printf("worker[%d]: job %s not found, skipping", workerNum, jobID)
			return
		}
		log.Printf("worker[%d]: fetch job %s: %v", workerNum, jobID, err)
		return
	}

	if job.Status.IsTerminal() {
		log.Printf("worker[%d]: job %s already %s, skipping", workerNum, jobID, job.Status)
		return
	}

	if err := p.store.UpdateJobStatus(jobCtx, jobID, domain.JobStatusRunning); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// A duplicate promotion or a concurrent worker got here first.
			log.Printf("worker[%d]: job %s already handled, skipping", workerNum, jobID)
			return
		}
		log.Printf("worker[%d]: transition job %s to RUNNING: %v", workerNum, jobID, err)
		return
	}

	jobIDStr := jobID.String()
	p.trackStart(jobIDStr)
	defer p.trackFinish(jobIDStr)

	argv, err := decodeCommand(job.Command)
	if err != nil {
		log.Printf("worker[%d]: job %s has malformed command, running image default: %v", workerNum, jobID, err)
		argv = nil
	}

	startedAt := time.Now().UTC()
	result, runErr := p.runtime.Run(jobCtx, job.DockerImage, argv, p.config.Limits)
	completedAt := time.Now().UTC()

	record := &domain.ExecutionRecord{
		ID:           uuid.New(),
		JobID:        jobID,
		StartedAt:    startedAt,
		CompletedAt:  &completedAt,
		WorkerNodeID: &p.nodeID,
	}
	if result != nil {
		record.ExitCode = &result.ExitCode
		record.Duration = &result.RuntimeSeconds
		if result.CapturedOutput != "" {
			output := result.CapturedOutput
			record.Output = &output
		}
	}

	finalStatus := domain.JobStatusCompleted
	switch {
	case runErr != nil:
		finalStatus = domain.JobStatusFailed
		msg := runErr.Error()
		record.ErrorOutput = &msg
		log.Printf("worker[%d]: job %s FAILED: %v", workerNum, jobID, runErr)
	case result.ExitCode != 0:
		finalStatus = domain.JobStatusFailed
		msg := fmt.Sprintf("Container exited with code %d", result.ExitCode)
		record.ErrorOutput = &msg
		log.Printf("worker[%d]: job %s FAILED: exit code %d", workerNum, jobID, result.ExitCode)
	default:
		log.Printf("worker[%d]: job %s COMPLETED", workerNum, jobID)
	}

	// A started container always leaves an execution record, even when the
	// status writes below fail.
	if err := p.store.CreateExecutionRecord(jobCtx, record); err != nil {
		log.Printf("worker[%d]: write execution record for job %s: %v", workerNum, jobID, err)
	}

	if err := p.store.UpdateJobStatus(jobCtx, jobID, finalStatus); err != nil {
		// Best effort: a cancellation here can leave the job RUNNING.
		log.Printf("worker[%d]: transition job %s to %s: %v", workerNum, jobID, finalStatus, err)
	}

	if p.metrics != nil {
		outcome := OutcomeCompleted
		if finalStatus == domain.JobStatusFailed {
			outcome = OutcomeFailed
		}
		p.metrics.JobExecuted(outcome, completedAt.Sub(startedAt))
	}
}

// decodeCommand parses the JSON-encoded argv stored on the job.
func decodeCommand(command *string) ([]string, error) {
	if command == nil || *command == "" {
		return nil, nil
	}
	var argv []string
	if err := json.Unmarshal([]byte(*command), &argv); err != nil {
		return nil, err
	}
	return argv, nil
}
