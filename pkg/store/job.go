package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/s123104/night-pilot/pkg/nperrors"
)

const jobColumns = `id, prompt_id, mode, status, cron_expr, one_shot_at_ms, next_run_at_ms,
	last_run_at_ms, attempts, retry_policy, options, created_at_ms, updated_at_ms`

func scanJob(row dbutil.Scannable) (*Job, error) {
	var j Job
	var oneShotMs, nextRunMs, lastRunMs sql.NullInt64
	var retryJSON, optionsJSON string
	var createdMs, updatedMs int64
	err := row.Scan(&j.ID, &j.PromptID, &j.Mode, &j.Status, &j.CronExpr, &oneShotMs, &nextRunMs,
		&lastRunMs, &j.Attempts, &retryJSON, &optionsJSON, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(retryJSON), &j.Retry); err != nil {
		return nil, fmt.Errorf("decode retry policy: %w", err)
	}
	if err = json.Unmarshal([]byte(optionsJSON), &j.Options); err != nil {
		return nil, fmt.Errorf("decode execution options: %w", err)
	}
	j.OneShotAt = msToTimePtr(oneShotMs)
	j.NextRunAt = msToTimePtr(nextRunMs)
	j.LastRunAt = msToTimePtr(lastRunMs)
	j.CreatedAt = msToTime(createdMs)
	j.UpdatedAt = msToTime(updatedMs)
	return &j, nil
}

// CreateJob inserts a job row and fills in its id and timestamps.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	retryJSON, err := json.Marshal(job.Retry)
	if err != nil {
		return fmt.Errorf("encode retry policy: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode execution options: %w", err)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`INSERT INTO jobs (prompt_id, mode, status, cron_expr, one_shot_at_ms, next_run_at_ms,
				last_run_at_ms, attempts, retry_policy, options, created_at_ms, updated_at_ms)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			job.PromptID, job.Mode, job.Status, job.CronExpr,
			timePtrToMs(job.OneShotAt), timePtrToMs(job.NextRunAt), timePtrToMs(job.LastRunAt),
			job.Attempts, string(retryJSON), string(optionsJSON), now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return err
		}
		job.ID, err = res.LastInsertId()
		return err
	})
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return nil, s.wrapError(err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status. An empty filter returns all.
func (s *Store) ListJobs(ctx context.Context, statusIn []JobStatus) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statusIn))
	if len(statusIn) > 0 {
		placeholders := make([]string, len(statusIn))
		for i, status := range statusIn {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id`
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.wrapError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, s.wrapError(rows.Err())
}

// DueJobs returns jobs whose next run is at or before now and that are
// eligible for dispatch.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ($1, $2) AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= $3
		 ORDER BY next_run_at_ms`,
		JobStatusScheduled, JobStatusCooldownDeferred, now.UnixMilli())
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.wrapError(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, s.wrapError(rows.Err())
}

// MarkJobRunning transitions a job to running. It fails with ErrAlreadyRunning
// when another invocation holds the row, which keeps the at-most-one-running
// invariant even across processes.
func (s *Store) MarkJobRunning(ctx context.Context, id int64) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`UPDATE jobs SET status=$1, attempts=attempts+1, updated_at_ms=$2 WHERE id=$3 AND status != $1`,
			JobStatusRunning, time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			current, getErr := s.GetJob(ctx, id)
			if getErr != nil {
				return getErr
			}
			if current.Status == JobStatusRunning {
				return fmt.Errorf("%w: job %d", nperrors.ErrAlreadyRunning, id)
			}
			return nperrors.NotFoundf("job %d", id)
		}
		return nil
	})
}

// FinishJob records the end of a run: new status, last-run stamp, next run
// slot, and optionally resets the attempt counter.
func (s *Store) FinishJob(ctx context.Context, id int64, status JobStatus, lastRunAt time.Time, nextRunAt *time.Time, resetAttempts bool) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		query := `UPDATE jobs SET status=$1, last_run_at_ms=$2, next_run_at_ms=$3, updated_at_ms=$4`
		if resetAttempts {
			query += `, attempts=0`
		}
		query += ` WHERE id=$5`
		res, err := s.db.Exec(ctx, query,
			status, lastRunAt.UnixMilli(), timePtrToMs(nextRunAt), time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		return requireRowAffected(res, "job", id)
	})
}

// RescheduleJob moves a job to a new status and next-run slot without
// touching its run history.
func (s *Store) RescheduleJob(ctx context.Context, id int64, status JobStatus, nextRunAt *time.Time) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`UPDATE jobs SET status=$1, next_run_at_ms=$2, updated_at_ms=$3 WHERE id=$4`,
			status, timePtrToMs(nextRunAt), time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		return requireRowAffected(res, "job", id)
	})
}

// CancelJob marks a job cancelled. Terminal jobs are left alone.
func (s *Store) CancelJob(ctx context.Context, id int64) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx,
			`UPDATE jobs SET status=$1, next_run_at_ms=NULL, updated_at_ms=$2
			 WHERE id=$3 AND status NOT IN ($4, $5)`,
			JobStatusCancelled, time.Now().UnixMilli(), id, JobStatusCompleted, JobStatusFailed)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			if _, getErr := s.GetJob(ctx, id); getErr != nil {
				return getErr
			}
		}
		return nil
	})
}

// DeleteJob removes a job and its results/audits.
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
		if err != nil {
			return err
		}
		return requireRowAffected(res, "job", id)
	})
}

// CountRunning returns how many rows claim to be running for the job.
func (s *Store) CountRunning(ctx context.Context, id int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE id=$1 AND status=$2`, id, JobStatusRunning).Scan(&count)
	if err != nil {
		return 0, s.wrapError(err)
	}
	return count, nil
}
