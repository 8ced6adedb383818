package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"

	"github.com/s123104/night-pilot/pkg/cooldown"
	"github.com/s123104/night-pilot/pkg/usage"
)

const resultColumns = `id, job_id, status, failure_kind, started_at_ms, ended_at_ms,
	stdout, stderr_tail, exit_code, cooldown, token_usage`

func scanResult(row dbutil.Scannable) (*ExecutionResult, error) {
	var r ExecutionResult
	var jobID sql.NullInt64
	var startedMs, endedMs int64
	var cooldownJSON, usageJSON sql.NullString
	err := row.Scan(&r.ID, &jobID, &r.Status, &r.FailureKind, &startedMs, &endedMs,
		&r.Stdout, &r.StderrTail, &r.ExitCode, &cooldownJSON, &usageJSON)
	if err != nil {
		return nil, err
	}
	r.JobID = jobID.Int64
	r.StartedAt = msToTime(startedMs)
	r.EndedAt = msToTime(endedMs)
	if cooldownJSON.Valid {
		var state cooldown.State
		if err = json.Unmarshal([]byte(cooldownJSON.String), &state); err != nil {
			return nil, fmt.Errorf("decode cooldown snapshot: %w", err)
		}
		r.Cooldown = &state
	}
	if usageJSON.Valid {
		var tokens TokenUsage
		if err = json.Unmarshal([]byte(usageJSON.String), &tokens); err != nil {
			return nil, fmt.Errorf("decode token usage: %w", err)
		}
		r.TokenUsage = &tokens
	}
	return &r, nil
}

// AppendResult writes a result and its audit in one transaction. The result
// may be nil for pre-execution aborts; the audit is mandatory either way, so
// every invocation attempt leaves exactly one audit row.
func (s *Store) AppendResult(ctx context.Context, result *ExecutionResult, audit *ExecutionAudit) error {
	if audit == nil {
		return fmt.Errorf("audit record is required")
	}
	reasonsJSON, err := json.Marshal(orEmpty(audit.RiskReasons))
	if err != nil {
		return fmt.Errorf("encode risk reasons: %w", err)
	}
	return s.doWrite(ctx, func(ctx context.Context) error {
		return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
			if result != nil {
				var cooldownJSON, usageJSON any
				if result.Cooldown != nil {
					encoded, err := json.Marshal(result.Cooldown)
					if err != nil {
						return fmt.Errorf("encode cooldown snapshot: %w", err)
					}
					cooldownJSON = string(encoded)
				}
				if result.TokenUsage != nil {
					encoded, err := json.Marshal(result.TokenUsage)
					if err != nil {
						return fmt.Errorf("encode token usage: %w", err)
					}
					usageJSON = string(encoded)
				}
				// Ad-hoc runs carry no job reference.
				var jobID any
				if result.JobID != 0 {
					jobID = result.JobID
				}
				res, err := s.db.Exec(ctx,
					`INSERT INTO results (job_id, status, failure_kind, started_at_ms, ended_at_ms,
						stdout, stderr_tail, exit_code, cooldown, token_usage)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
					jobID, result.Status, result.FailureKind,
					result.StartedAt.UnixMilli(), result.EndedAt.UnixMilli(),
					result.Stdout, result.StderrTail, result.ExitCode, cooldownJSON, usageJSON)
				if err != nil {
					return err
				}
				if result.ID, err = res.LastInsertId(); err != nil {
					return err
				}
				audit.ResultID = &result.ID
			}
			if audit.CreatedAt.IsZero() {
				audit.CreatedAt = time.Now().UTC()
			}
			var resultID any
			if audit.ResultID != nil {
				resultID = *audit.ResultID
			}
			res, err := s.db.Exec(ctx,
				`INSERT INTO audits (result_id, prompt_sha256, options_digest, risk_level,
					risk_reasons, skip_permissions, working_directory, created_at_ms)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				resultID, audit.PromptSHA256, audit.OptionsDigest, audit.RiskLevel.String(),
				string(reasonsJSON), audit.SkipPermissions, audit.WorkingDirectory,
				audit.CreatedAt.UnixMilli())
			if err != nil {
				return err
			}
			audit.ID, err = res.LastInsertId()
			return err
		})
	})
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	JobID *int64
	Since *time.Time
	Limit int
}

// ListResults returns results newest first.
func (s *Store) ListResults(ctx context.Context, filter ResultFilter) ([]*ExecutionResult, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE 1=1`
	args := make([]any, 0, 2)
	if filter.JobID != nil {
		args = append(args, *filter.JobID)
		query += fmt.Sprintf(` AND job_id=$%d`, len(args))
	}
	if filter.Since != nil {
		args = append(args, filter.Since.UnixMilli())
		query += fmt.Sprintf(` AND started_at_ms >= $%d`, len(args))
	}
	query += ` ORDER BY started_at_ms DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err)
	}
	defer rows.Close()
	results := make([]*ExecutionResult, 0)
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, s.wrapError(err)
		}
		results = append(results, result)
	}
	return results, s.wrapError(rows.Err())
}

// GetAuditForResult fetches the audit row matching a result.
func (s *Store) GetAuditForResult(ctx context.Context, resultID int64) (*ExecutionAudit, error) {
	var a ExecutionAudit
	var resultRef sql.NullInt64
	var riskLevel, reasonsJSON string
	var createdMs int64
	err := s.db.QueryRow(ctx,
		`SELECT id, result_id, prompt_sha256, options_digest, risk_level, risk_reasons,
			skip_permissions, working_directory, created_at_ms
		 FROM audits WHERE result_id=$1`, resultID).
		Scan(&a.ID, &resultRef, &a.PromptSHA256, &a.OptionsDigest, &riskLevel, &reasonsJSON,
			&a.SkipPermissions, &a.WorkingDirectory, &createdMs)
	if err != nil {
		return nil, s.wrapError(err)
	}
	if resultRef.Valid {
		a.ResultID = &resultRef.Int64
	}
	a.RiskLevel = ParseRiskLevel(riskLevel)
	if err = json.Unmarshal([]byte(reasonsJSON), &a.RiskReasons); err != nil {
		return nil, fmt.Errorf("decode risk reasons: %w", err)
	}
	a.CreatedAt = msToTime(createdMs)
	return &a, nil
}

// PruneResults deletes results (and their audits, via cascade) older than the
// cutoff, returning how many were removed.
func (s *Store) PruneResults(ctx context.Context, olderThan time.Time) (int64, error) {
	var pruned int64
	err := s.doWrite(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `DELETE FROM results WHERE started_at_ms < $1`, olderThan.UnixMilli())
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}

// AppendUsageSnapshot records one usage observation for history.
func (s *Store) AppendUsageSnapshot(ctx context.Context, snapshot usage.Snapshot) error {
	return s.doWrite(ctx, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx,
			`INSERT INTO usage_snapshots (remaining_minutes, total_minutes, source, fetched_at_ms, raw)
			 VALUES ($1, $2, $3, $4, $5)`,
			snapshot.RemainingMinutes, snapshot.TotalMinutes, string(snapshot.Source),
			snapshot.FetchedAt.UnixMilli(), snapshot.Raw)
		return err
	})
}

// LatestUsageSnapshot returns the most recent usage row, or nil when none
// has been recorded yet.
func (s *Store) LatestUsageSnapshot(ctx context.Context) (*usage.Snapshot, error) {
	var snapshot usage.Snapshot
	var source string
	var fetchedMs int64
	err := s.db.QueryRow(ctx,
		`SELECT remaining_minutes, total_minutes, source, fetched_at_ms, raw
		 FROM usage_snapshots ORDER BY fetched_at_ms DESC, id DESC LIMIT 1`).
		Scan(&snapshot.RemainingMinutes, &snapshot.TotalMinutes, &source, &fetchedMs, &snapshot.Raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, s.wrapError(err)
	}
	snapshot.Source = usage.Source(source)
	snapshot.FetchedAt = jsontime.UM(msToTime(fetchedMs))
	return &snapshot, nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
