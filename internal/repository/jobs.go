package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"contractscan/internal/models"

	"github.com/jackc/pgx/v5"
)

// ErrJobExists is returned when a contract already has a pending or
// processing job; the queue holds at most one live job per contract.
var ErrJobExists = errors.New("contract already has a pending or processing job")

// jobRetryBaseSecs is the base of the retry delay: a job failing on attempt
// n becomes claimable again after base * 2^n seconds.
const jobRetryBaseSecs = 15

const jobColumns = `
	id, job_type, contract_address, priority, status, payload,
	attempts, max_attempts, COALESCE(error_message, ''),
	next_attempt_at, created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload []byte
	err := row.Scan(
		&j.ID, &j.JobType, &j.ContractAddress, &j.Priority, &j.Status, &payload,
		&j.Attempts, &j.MaxAttempts, &j.ErrorMessage,
		&j.NextAttemptAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job %d payload: %w", j.ID, err)
		}
	}
	return &j, nil
}

// EnqueueJob creates a backfill job. Job exclusivity (one live job per
// contract) is enforced here at creation time: a per-contract advisory lock
// serializes the check-then-insert, since with no live row to lock two
// concurrent enqueues would otherwise both count zero and both insert.
func (r *Repository) EnqueueJob(ctx context.Context, contractAddr string, priority int, payload models.JobPayload) (*models.Job, error) {
	contractAddr = strings.ToLower(contractAddr)
	payload.ContractAddress = contractAddr
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Held until commit/rollback.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, contractAddr,
	); err != nil {
		return nil, err
	}

	var live int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM app.job_queue
		WHERE contract_address = $1 AND status IN ('pending', 'processing')`,
		contractAddr,
	).Scan(&live)
	if err != nil {
		return nil, err
	}
	if live > 0 {
		return nil, ErrJobExists
	}

	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO app.job_queue (job_type, contract_address, priority, payload)
		VALUES ('backfill', $1, $2, $3)
		RETURNING `+jobColumns,
		contractAddr, priority, raw,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimNextJob atomically claims the best pending job: lowest (priority,
// created_at) with attempts below the cap and its retry delay elapsed.
// SKIP LOCKED guarantees two claimants never get the same row. Returns nil
// when the queue is empty.
func (r *Repository) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `
		UPDATE app.job_queue
		SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM app.job_queue
			WHERE status = 'pending' AND attempts < max_attempts
			  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// SetJobProgress updates payload.progress (and the resume token) at coarse
// granularity while the job runs.
func (r *Repository) SetJobProgress(ctx context.Context, jobID int64, progress float64, resumeToken string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET payload = payload
			|| jsonb_build_object('progress', $2::float)
			|| CASE WHEN $3 = '' THEN '{}'::jsonb ELSE jsonb_build_object('resume_token', $3::text) END
		WHERE id = $1 AND status = 'processing'`,
		jobID, progress, resumeToken,
	)
	return err
}

// CompleteJob marks a processing job completed and clears the error message.
func (r *Repository) CompleteJob(ctx context.Context, jobID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET status = 'completed', completed_at = NOW(), error_message = NULL,
		    payload = payload || '{"progress": 100}'::jsonb
		WHERE id = $1 AND status = 'processing'`,
		jobID,
	)
	return err
}

// FailJob bumps attempts and either re-queues the job for retry with an
// exponential delay or marks it failed once attempts reach the cap. Returns
// the resulting status.
func (r *Repository) FailJob(ctx context.Context, jobID int64, errMsg string) (string, error) {
	var status string
	err := r.db.QueryRow(ctx, `
		UPDATE app.job_queue
		SET attempts = attempts + 1,
		    error_message = $2,
		    status = CASE WHEN attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
		    completed_at = CASE WHEN attempts + 1 < max_attempts THEN NULL ELSE NOW() END,
		    next_attempt_at = CASE WHEN attempts + 1 < max_attempts
		        THEN NOW() + make_interval(secs => $3::float * power(2, attempts))
		        ELSE NULL END
		WHERE id = $1 AND status = 'processing'
		RETURNING status`,
		jobID, errMsg, jobRetryBaseSecs,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		// Job was cancelled underneath us; not an error.
		return models.JobCancelled, nil
	}
	return status, err
}

// CancelJob flips a pending or processing job to cancelled. A processing
// worker observes this at its next inter-page checkpoint.
func (r *Repository) CancelJob(ctx context.Context, jobID int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// RetryJob re-queues a failed or cancelled job with a fresh attempt budget.
func (r *Repository) RetryJob(ctx context.Context, jobID int64) (bool, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET status = 'pending', attempts = 0, error_message = NULL,
		    next_attempt_at = NULL, started_at = NULL, completed_at = NULL
		WHERE id = $1 AND status IN ('failed', 'cancelled')`,
		jobID,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

// RequeueJob returns a processing job to pending without charging an
// attempt (graceful shutdown).
func (r *Repository) RequeueJob(ctx context.Context, jobID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET status = 'pending', started_at = NULL, next_attempt_at = NULL
		WHERE id = $1 AND status = 'processing'`,
		jobID,
	)
	return err
}

// RequeueStaleJobs recovers processing jobs whose worker died: anything
// started more than olderThanMin minutes ago goes back to pending with an
// attempt charged.
func (r *Repository) RequeueStaleJobs(ctx context.Context, olderThanMin int) (int64, error) {
	cmd, err := r.db.Exec(ctx, `
		UPDATE app.job_queue
		SET status = CASE WHEN attempts + 1 < max_attempts THEN 'pending' ELSE 'failed' END,
		    attempts = attempts + 1,
		    error_message = 'worker lost',
		    started_at = NULL,
		    next_attempt_at = CASE WHEN attempts + 1 < max_attempts
		        THEN NOW() + make_interval(secs => $2::float * power(2, attempts))
		        ELSE NULL END
		WHERE status = 'processing'
		  AND started_at < NOW() - make_interval(mins => $1)`,
		olderThanMin, jobRetryBaseSecs,
	)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// GetJobStatus returns the current status of a job (the cancellation
// checkpoint probe).
func (r *Repository) GetJobStatus(ctx context.Context, jobID int64) (string, error) {
	var status string
	err := r.db.QueryRow(ctx,
		`SELECT status FROM app.job_queue WHERE id = $1`, jobID,
	).Scan(&status)
	return status, err
}

// GetJob fetches one job by id.
func (r *Repository) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM app.job_queue WHERE id = $1`, jobID,
	))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobsByStatus returns jobs in a status, newest first.
func (r *Repository) ListJobsByStatus(ctx context.Context, status string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM app.job_queue WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
