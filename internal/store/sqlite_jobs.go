package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// --- Jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.IngestionJob) (*model.IngestionJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	history, err := job.HistoryJSON()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal job history")
	}
	now := time.Now().UTC()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, document_id, content_hash, port_code, source_name, status, attempt_count,
		   max_attempts, last_error, error_history, force, scheduled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		job.ID, job.DocumentID, job.ContentHash, job.PortCode, job.SourceName,
		job.MaxAttempts, string(history), job.Force, ts(job.ScheduledAt), ts(now), ts(now),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: enqueue job for %s", job.ContentHash)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		existing, err := scanJobSQLite(s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM ingestion_jobs WHERE content_hash = ? AND status IN ('pending', 'in_progress')`,
			job.ContentHash,
		))
		if err != nil {
			return nil, false, eris.Wrapf(err, "sqlite: load open job for %s", job.ContentHash)
		}
		return existing, false, nil
	}
	got, err := s.GetJob(ctx, job.ID)
	return got, true, err
}

// ClaimJob relies on SQLite's single writer: the UPDATE selects and locks the
// job in one statement.
func (s *SQLiteStore) ClaimJob(ctx context.Context, workerID string, now time.Time, lockTimeout time.Duration) (*model.IngestionJob, error) {
	job, err := scanJobSQLite(s.db.QueryRowContext(ctx,
		`UPDATE ingestion_jobs SET status = 'in_progress', locked_by = ?, locked_at = ?,
		   attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = (
		   SELECT id FROM ingestion_jobs
		   WHERE (status = 'pending' AND scheduled_at <= ?)
		      OR (status = 'in_progress' AND locked_at < ? AND attempt_count < max_attempts)
		   ORDER BY scheduled_at ASC
		   LIMIT 1
		 )
		 RETURNING `+jobColumns,
		workerID, ts(now), ts(now), ts(now), ts(now.Add(-lockTimeout)),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim job")
	}
	return job, nil
}

func (s *SQLiteStore) ReleaseJob(ctx context.Context, job *model.IngestionJob, workerID string) error {
	history, err := job.HistoryJSON()
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job history")
	}
	var result any
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job result")
		}
		result = string(b)
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = ?, attempt_count = ?, last_error = ?, error_history = ?,
		   scheduled_at = ?, result = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'in_progress' AND locked_by = ?`,
		string(job.Status), job.AttemptCount, job.LastError, string(history),
		ts(job.ScheduledAt), result, ts(job.UpdatedAt), job.ID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release job %s", job.ID)
	}
	return checkRowsAffected(res, "job", job.ID)
}

func (s *SQLiteStore) ReapStaleJobs(ctx context.Context, now time.Time, lockTimeout time.Duration) ([]model.IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE ingestion_jobs SET status = 'failed', last_error = ?,
		   locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE status = 'in_progress' AND locked_at < ? AND attempt_count >= max_attempts
		 RETURNING `+jobColumns,
		staleLockError, ts(now), ts(now.Add(-lockTimeout)),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reap stale jobs")
	}
	return collectJobsSQLite(rows)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'pending', attempt_count = 0, last_error = '',
		   scheduled_at = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'failed'`,
		ts(now), ts(now), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOpenJobExists
		}
		return eris.Wrapf(err, "sqlite: requeue job %s", id)
	}
	return checkRowsAffected(res, "failed job", id)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	job, err := scanJobSQLite(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.PortCode != "" {
		query += ` AND port_code = ?`
		args = append(args, filter.PortCode)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	return collectJobsSQLite(rows)
}

func (s *SQLiteStore) CountJobs(ctx context.Context, since time.Time) (model.JobCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM ingestion_jobs WHERE updated_at >= ? GROUP BY status`,
		ts(since),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := model.JobCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func (s *SQLiteStore) HasOpenJob(ctx context.Context, contentHash string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_jobs WHERE content_hash = ? AND status IN ('pending', 'in_progress')`,
		contentHash,
	).Scan(&n)
	return n > 0, eris.Wrap(err, "sqlite: has open job")
}

func collectJobsSQLite(rows *sql.Rows) ([]model.IngestionJob, error) {
	defer rows.Close()
	var out []model.IngestionJob
	for rows.Next() {
		job, err := scanJobSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *job)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: jobs iterate")
}

func scanJobSQLite(row scannable) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var history string
	var lockedBy, lockedAt, result sql.NullString
	var scheduled, created, updated string
	err := row.Scan(
		&j.ID, &j.DocumentID, &j.ContentHash, &j.PortCode, &j.SourceName, &j.Status, &j.AttemptCount, &j.MaxAttempts,
		&j.LastError, &history, &j.Force, &scheduled, &lockedBy, &lockedAt, &result, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	j.LockedBy = lockedBy.String
	if j.ScheduledAt, err = parseTS(scheduled); err != nil {
		return nil, err
	}
	if j.LockedAt, err = parseNullTS(lockedAt); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTS(updated); err != nil {
		return nil, err
	}
	if err := decodeJobJSON(&j, []byte(history), []byte(result.String)); err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	history, err := json.Marshal(entry.ErrorHistory)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq history")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, document_id, content_hash, port_code, error, error_type, kind, attempts, max_attempts, error_history, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.JobID, entry.DocumentID, entry.ContentHash, entry.PortCode, entry.Error, entry.ErrorType,
		string(entry.Kind), entry.Attempts, entry.MaxAttempts, string(history), ts(entry.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job_id, document_id, content_hash, port_code, error, error_type, kind, attempts, max_attempts,
	            error_history, created_at, requeued_at
	          FROM dead_letter_queue WHERE requeued_at IS NULL`
	var args []any

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.PortCode != "" {
		query += ` AND port_code = ?`
		args = append(args, filter.PortCode)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var kind, history, created string
		var requeued sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.DocumentID, &e.ContentHash, &e.PortCode, &e.Error, &e.ErrorType,
			&kind, &e.Attempts, &e.MaxAttempts, &history, &created, &requeued); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.Kind = resilience.Kind(kind)
		if e.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		if e.RequeuedAt, err = parseNullTS(requeued); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(history), &e.ErrorHistory); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq history")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue WHERE requeued_at IS NULL`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

func (s *SQLiteStore) MarkDLQRequeued(ctx context.Context, jobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue SET requeued_at = ? WHERE job_id = ? AND requeued_at IS NULL`,
		ts(at), jobID,
	)
	return eris.Wrapf(err, "sqlite: mark dlq requeued %s", jobID)
}
