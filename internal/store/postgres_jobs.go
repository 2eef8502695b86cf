package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// --- Jobs ---

// EnqueueJob inserts a pending job. When an open job already covers the
// content hash, the existing job is returned with created=false.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.IngestionJob) (*model.IngestionJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	history, err := job.HistoryJSON()
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal job history")
	}
	now := time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, document_id, content_hash, port_code, source_name, status, attempt_count,
		   max_attempts, last_error, error_history, force, scheduled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, '', $7, $8, $9, $10, $10)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.DocumentID, job.ContentHash, job.PortCode, job.SourceName,
		job.MaxAttempts, history, job.Force, job.ScheduledAt.UTC(), now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: enqueue job for %s", job.ContentHash)
	}
	if tag.RowsAffected() == 0 {
		existing, err := scanJobPG(s.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM ingestion_jobs
			 WHERE content_hash = $1 AND status IN ('pending', 'in_progress')`,
			job.ContentHash,
		))
		if err != nil {
			return nil, false, eris.Wrapf(err, "postgres: load open job for %s", job.ContentHash)
		}
		return existing, false, nil
	}
	got, err := s.GetJob(ctx, job.ID)
	return got, true, err
}

// ClaimJob locks the oldest runnable job for workerID. A job is runnable when
// it is pending and due, or in progress under an expired lock with attempts
// remaining. Returns nil when nothing is runnable.
func (s *PostgresStore) ClaimJob(ctx context.Context, workerID string, now time.Time, lockTimeout time.Duration) (*model.IngestionJob, error) {
	now = now.UTC()
	job, err := scanJobPG(s.pool.QueryRow(ctx,
		`UPDATE ingestion_jobs SET status = 'in_progress', locked_by = $1, locked_at = $2,
		   attempt_count = attempt_count + 1, updated_at = $2
		 WHERE id = (
		   SELECT id FROM ingestion_jobs
		   WHERE (status = 'pending' AND scheduled_at <= $2)
		      OR (status = 'in_progress' AND locked_at < $3 AND attempt_count < max_attempts)
		   ORDER BY scheduled_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		workerID, now, now.Add(-lockTimeout),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return job, nil
}

// ReleaseJob writes the worker's outcome for a claimed job and drops the
// lock. It fails when workerID no longer holds the lock.
func (s *PostgresStore) ReleaseJob(ctx context.Context, job *model.IngestionJob, workerID string) error {
	history, err := job.HistoryJSON()
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job history")
	}
	var result []byte
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return eris.Wrap(err, "postgres: marshal job result")
		}
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = $3, attempt_count = $4, last_error = $5, error_history = $6,
		   scheduled_at = $7, result = $8, locked_by = NULL, locked_at = NULL, updated_at = $9
		 WHERE id = $1 AND status = 'in_progress' AND locked_by = $2`,
		job.ID, workerID, string(job.Status), job.AttemptCount, job.LastError, history,
		job.ScheduledAt.UTC(), result, job.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s (not locked by %s)", job.ID, workerID)
	}
	return nil
}

// ReapStaleJobs fails in-progress jobs whose lock expired on their final
// attempt and returns them so the caller can dead-letter them.
func (s *PostgresStore) ReapStaleJobs(ctx context.Context, now time.Time, lockTimeout time.Duration) ([]model.IngestionJob, error) {
	now = now.UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE ingestion_jobs SET status = 'failed', last_error = $3,
		   locked_by = NULL, locked_at = NULL, updated_at = $1
		 WHERE status = 'in_progress' AND locked_at < $2 AND attempt_count >= max_attempts
		 RETURNING `+jobColumns,
		now, now.Add(-lockTimeout), staleLockError,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reap stale jobs")
	}
	return collectJobsPG(rows)
}

// RequeueJob returns a failed job to pending with a fresh attempt budget.
func (s *PostgresStore) RequeueJob(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'pending', attempt_count = 0, last_error = '',
		   scheduled_at = $2, locked_by = NULL, locked_at = NULL, updated_at = $2
		 WHERE id = $1 AND status = 'failed'`,
		id, now.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenJobExists
		}
		return eris.Wrapf(err, "postgres: requeue job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("failed job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	job, err := scanJobPG(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.PortCode != "" {
		query += fmt.Sprintf(` AND port_code = $%d`, argIdx)
		args = append(args, filter.PortCode)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	return collectJobsPG(rows)
}

func (s *PostgresStore) CountJobs(ctx context.Context, since time.Time) (model.JobCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM ingestion_jobs WHERE updated_at >= $1 GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := model.JobCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func (s *PostgresStore) HasOpenJob(ctx context.Context, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingestion_jobs WHERE content_hash = $1 AND status IN ('pending', 'in_progress'))`,
		contentHash,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: has open job")
}

func collectJobsPG(rows pgx.Rows) ([]model.IngestionJob, error) {
	defer rows.Close()
	var out []model.IngestionJob
	for rows.Next() {
		job, err := scanJobPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "postgres: jobs iterate")
}

func scanJobPG(row scannable) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var lockedBy *string
	var history, result []byte
	err := row.Scan(
		&j.ID, &j.DocumentID, &j.ContentHash, &j.PortCode, &j.SourceName, &j.Status, &j.AttemptCount, &j.MaxAttempts,
		&j.LastError, &history, &j.Force, &j.ScheduledAt, &lockedBy, &j.LockedAt, &result, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.LockedBy = derefString(lockedBy)
	if err := decodeJobJSON(&j, history, result); err != nil {
		return nil, err
	}
	return &j, nil
}

func decodeJobJSON(j *model.IngestionJob, history, result []byte) error {
	if len(history) > 0 {
		if err := json.Unmarshal(history, &j.ErrorHistory); err != nil {
			return eris.Wrapf(err, "unmarshal error history for job %s", j.ID)
		}
	}
	if len(result) > 0 {
		var r model.IngestionResult
		if err := json.Unmarshal(result, &r); err != nil {
			return eris.Wrapf(err, "unmarshal result for job %s", j.ID)
		}
		j.Result = &r
	}
	return nil
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	history, err := json.Marshal(entry.ErrorHistory)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq history")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, document_id, content_hash, port_code, error, error_type, kind, attempts, max_attempts, error_history, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.JobID, entry.DocumentID, entry.ContentHash, entry.PortCode, entry.Error, entry.ErrorType,
		string(entry.Kind), entry.Attempts, entry.MaxAttempts, history, entry.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job_id, document_id, content_hash, port_code, error, error_type, kind, attempts, max_attempts,
	            error_history, created_at, requeued_at
	          FROM dead_letter_queue WHERE requeued_at IS NULL`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.PortCode != "" {
		query += fmt.Sprintf(` AND port_code = $%d`, argIdx)
		args = append(args, filter.PortCode)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var kind string
		var history []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.DocumentID, &e.ContentHash, &e.PortCode, &e.Error, &e.ErrorType,
			&kind, &e.Attempts, &e.MaxAttempts, &history, &e.CreatedAt, &e.RequeuedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		e.Kind = resilience.Kind(kind)
		if len(history) > 0 {
			if err := json.Unmarshal(history, &e.ErrorHistory); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal dlq history")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue WHERE requeued_at IS NULL`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

func (s *PostgresStore) MarkDLQRequeued(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue SET requeued_at = $2 WHERE job_id = $1 AND requeued_at IS NULL`,
		jobID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark dlq requeued %s", jobID)
}
