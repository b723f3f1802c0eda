package postgres

const queryInsertJob = `
INSERT INTO jobs (id, user_id, docker_image, command, status, scheduled_time, deadline, estimated_duration, region, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const jobColumns = `
    id, user_id, docker_image, command, status, scheduled_time,
    created_at, started_at, completed_at, deadline,
    estimated_duration, region, metadata`

const queryGetJobByID = `
SELECT` + jobColumns + `
FROM jobs
WHERE id = $1
`

const queryListJobsByStatus = `
SELECT` + jobColumns + `
FROM jobs
WHERE status = $1
ORDER BY created_at DESC
LIMIT $2
`

const queryListJobsByUser = `
SELECT` + jobColumns + `
FROM jobs
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`

const queryListAllJobs = `
SELECT` + jobColumns + `
FROM jobs
ORDER BY created_at DESC
LIMIT $1
`

// Status transitions are guarded in the WHERE clause: the row lock is taken
// before WHERE evaluation, so concurrent transitions serialize and the loser
// matches zero rows. started_at/completed_at stamps ride on the same update.
const queryUpdateJobStatus = `
UPDATE jobs
SET status = $1,
    started_at = CASE WHEN $1 = 'RUNNING' THEN NOW() ELSE started_at END,
    completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED') THEN NOW() ELSE completed_at END
WHERE id = $2
  AND status = ANY($3)
`

const queryGetJobStatus = `
SELECT status FROM jobs WHERE id = $1
`

const queryInsertExecutionRecord = `
INSERT INTO execution_logs (id, job_id, output, error_output, exit_code, duration, started_at, completed_at, worker_node_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryListExecutionRecords = `
SELECT id, job_id, output, error_output, exit_code, duration, started_at, completed_at, worker_node_id
FROM execution_logs
WHERE job_id = $1
ORDER BY started_at DESC
LIMIT $2
`

// Nearest-sample read: candidates within +/- 15 minutes, closest epoch delta
// first, most recently fetched wins ties.
const queryLookupNearestSample = `
SELECT region, timestamp, intensity_value, source, created_at, expires_at
FROM carbon_cache
WHERE region = $1
  AND timestamp >= $2 - INTERVAL '15 minutes'
  AND timestamp <= $2 + INTERVAL '15 minutes'
ORDER BY ABS(EXTRACT(EPOCH FROM (timestamp - $2))), created_at DESC
LIMIT 1
`

const queryLookupRangeSamples = `
SELECT region, timestamp, intensity_value, source, created_at, expires_at
FROM carbon_cache
WHERE region = $1
  AND timestamp BETWEEN $2 AND $3
  AND expires_at > NOW()
ORDER BY timestamp ASC
`

const queryUpsertSample = `
INSERT INTO carbon_cache (id, region, timestamp, intensity_value, source, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (region, timestamp, forecast_window)
DO UPDATE SET
    intensity_value = EXCLUDED.intensity_value,
    source = EXCLUDED.source,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`

const queryPurgeSamples = `
DELETE FROM carbon_cache WHERE created_at <= NOW() - make_interval(secs => $1)
`
