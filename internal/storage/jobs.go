package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, idempotency_key, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job. When the job carries an idempotency key
// and a pending or running job with that key already exists, the existing job
// is returned and created is false.
func (q *queries) EnqueueJob(ctx context.Context, job Job) (Job, bool, error) {
	ts := now()
	if job.RunAfter.IsZero() {
		job.RunAfter = ts
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, idempotency_key, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		job.ID, job.Type, job.PayloadJSON, job.MaxAttempts, nullString(job.IdempotencyKey),
		formatTime(job.RunAfter), formatTime(ts), formatTime(ts),
	)
	if err != nil {
		return Job{}, false, fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Job{}, false, err
	}
	if n == 1 {
		job.Status = "pending"
		job.CreatedAt, job.UpdatedAt = ts, ts
		return job, true, nil
	}
	if job.IdempotencyKey == "" {
		return Job{}, false, fmt.Errorf("inserting job %s: %w", job.ID, ErrAlreadyExists)
	}
	existing, err := scanJob(q.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = ? AND status IN ('pending', 'running') LIMIT 1`, job.IdempotencyKey))
	if err != nil {
		return Job{}, false, fmt.Errorf("loading job for key %q: %w", job.IdempotencyKey, notFound(err))
	}
	return existing, false, nil
}

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var key, lastError sql.NullString
	var runAfter, createdAt, updatedAt string
	if err := sc.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&key, &runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.IdempotencyKey = key.String
	j.LastError = lastError.String
	var err error
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return Job{}, notFound(err)
	}
	return j, nil
}

// ListJobs returns jobs of one type (all types when empty), oldest first.
func (s *Store) ListJobs(ctx context.Context, jobType string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if jobType != "" {
		query += ` WHERE type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// JobCounts returns the number of jobs per status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ClaimNextJob atomically moves the oldest runnable job of the given types to
// running. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	ts := formatTime(now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, ts)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, ts, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.UpdatedAt, _ = parseTime(ts)
	return &j, nil
}

func (s *Store) finishJob(ctx context.Context, id, status, note string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, nullString(note), formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, "completed", "")
}

// SkipJob finishes a job without doing its work and records why.
func (s *Store) SkipJob(ctx context.Context, id, reason string) error {
	return s.finishJob(ctx, id, "skipped", reason)
}

// FailJob records a failed attempt. Unless permanent, the job is retried with
// a 2^attempts second backoff until max_attempts is reached.
func (s *Store) FailJob(ctx context.Context, id, errMsg string, permanent bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err != nil {
		return notFound(err)
	}

	ts := now()
	attempts++

	if permanent || attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(ts), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(ts.Add(backoff)), formatTime(ts), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeferJob returns a running job to pending until runAfter without counting
// an attempt.
func (s *Store) DeferJob(ctx context.Context, id string, runAfter time.Time, note string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', run_after = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		formatTime(runAfter), nullString(note), formatTime(now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// RequeueStuckJobs returns running jobs not touched since before cutoff to
// pending. A worker that died mid-job leaves such rows behind.
func (s *Store) RequeueStuckJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running' AND updated_at < ?`,
		formatTime(now()), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFinishedJobsBefore purges completed, skipped and failed jobs last
// updated before cutoff.
func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('completed', 'skipped', 'failed') AND updated_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
