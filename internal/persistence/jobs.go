package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/trustgate/internal/scheduler"
)

const jobColumns = `id, goal, priority, simulate, sandbox, status, waiting_for_prompt_id,
	task_ids, result, error, cancel_requested, created_at, updated_at`

// SaveJob inserts or replaces a job.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *scheduler.Job) error {
	sandbox, err := encodeJSON(job.Sandbox)
	if err != nil {
		return fmt.Errorf("failed to encode sandbox: %w", err)
	}
	taskIDs, err := encodeJSON(nonNilStrings(job.TaskIDs))
	if err != nil {
		return fmt.Errorf("failed to encode task ids: %w", err)
	}
	result := "{}"
	if job.Result != nil {
		if result, err = encodeJSON(job.Result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				goal = excluded.goal,
				priority = excluded.priority,
				simulate = excluded.simulate,
				sandbox = excluded.sandbox,
				status = excluded.status,
				waiting_for_prompt_id = excluded.waiting_for_prompt_id,
				task_ids = excluded.task_ids,
				result = excluded.result,
				error = excluded.error,
				cancel_requested = excluded.cancel_requested,
				updated_at = excluded.updated_at
		`, job.ID, job.Goal, job.Priority, boolInt(job.Simulate), sandbox, string(job.Status),
			job.WaitingForPromptID, taskIDs, result, job.Error, boolInt(job.CancelRequested),
			formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*scheduler.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: job %s", scheduler.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs ordered by priority (highest first), then creation time.
// Returns an empty slice (not nil) when there are no jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*scheduler.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY priority DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*scheduler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*scheduler.Job, error) {
	var (
		job                       scheduler.Job
		status                    string
		simulate, cancelRequested int
		sandbox, taskIDs, result  string
		createdAt, updatedAt      string
	)
	err := row.Scan(&job.ID, &job.Goal, &job.Priority, &simulate, &sandbox, &status,
		&job.WaitingForPromptID, &taskIDs, &result, &job.Error, &cancelRequested,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.Status = scheduler.JobStatus(status)
	job.Simulate = simulate != 0
	job.CancelRequested = cancelRequested != 0
	if err := decodeJSON(sandbox, &job.Sandbox); err != nil {
		return nil, fmt.Errorf("corrupt sandbox for job %s: %w", job.ID, err)
	}
	if err := decodeJSON(taskIDs, &job.TaskIDs); err != nil {
		return nil, fmt.Errorf("corrupt task ids for job %s: %w", job.ID, err)
	}
	if err := decodeJSON(result, &job.Result); err != nil {
		return nil, fmt.Errorf("corrupt result for job %s: %w", job.ID, err)
	}
	if len(job.Result) == 0 {
		job.Result = nil
	}
	if job.TaskIDs == nil {
		job.TaskIDs = []string{}
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
