package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/trustgate/internal/scheduler"
)

const taskColumns = `id, job_id, name, description, kind, environment, params, priority,
	depends_on, resources, status, progress, retry_count, max_retries, result,
	approved, held, simulate, sandbox, created_at, start_time, end_time`

// SaveTask saves or updates a task's record. Logs and errors are append-only
// and written through AppendTaskLog, so they are not touched here.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	params, err := encodeJSON(task.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if task.Params == nil {
		params = "{}"
	}
	dependsOn, err := encodeJSON(nonNilStrings(task.DependsOn))
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}
	resources, err := encodeJSON(nonNilStrings(task.Resources))
	if err != nil {
		return fmt.Errorf("failed to encode resources: %w", err)
	}
	sandbox, err := encodeJSON(task.Sandbox)
	if err != nil {
		return fmt.Errorf("failed to encode sandbox: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				job_id = excluded.job_id,
				name = excluded.name,
				description = excluded.description,
				kind = excluded.kind,
				environment = excluded.environment,
				params = excluded.params,
				priority = excluded.priority,
				depends_on = excluded.depends_on,
				resources = excluded.resources,
				status = excluded.status,
				progress = excluded.progress,
				retry_count = excluded.retry_count,
				max_retries = excluded.max_retries,
				result = excluded.result,
				approved = excluded.approved,
				held = excluded.held,
				simulate = excluded.simulate,
				sandbox = excluded.sandbox,
				start_time = excluded.start_time,
				end_time = excluded.end_time
		`, task.ID, task.JobID, task.Name, task.Description, string(task.Kind), string(task.Environment),
			params, task.Priority, dependsOn, resources, string(task.Status), task.Progress,
			task.RetryCount, task.MaxRetries, task.Result, boolInt(task.Approved), boolInt(task.Held),
			boolInt(task.Simulate), sandbox, formatTime(task.CreatedAt),
			formatTimePtr(task.StartTime), formatTimePtr(task.EndTime))
		if err != nil {
			return fmt.Errorf("failed to upsert task: %w", err)
		}
		return nil
	})
}

// GetTask retrieves a task by ID, including its logs and errors.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", scheduler.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.attachLogs(ctx, []*scheduler.Task{task}, `WHERE task_id = ?`, taskID); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns every task in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	if err := s.attachLogs(ctx, tasks, ``); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListJobTasks returns the tasks of one job in creation order.
func (s *SQLiteStore) ListJobTasks(ctx context.Context, jobID string) ([]*scheduler.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, err
	}
	err = s.attachLogs(ctx, tasks, `WHERE task_id IN (SELECT id FROM tasks WHERE job_id = ?)`, jobID)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// queryTasks reads every row before returning so the single connection is
// free for the follow-up log query.
func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*scheduler.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row scanner) (*scheduler.Task, error) {
	var (
		task                         scheduler.Task
		kind, env, status            string
		params, dependsOn, resources string
		sandbox, createdAt           string
		approved, held, simulate     int
		startTime, endTime           sql.NullString
	)
	err := row.Scan(&task.ID, &task.JobID, &task.Name, &task.Description, &kind, &env,
		&params, &task.Priority, &dependsOn, &resources, &status, &task.Progress,
		&task.RetryCount, &task.MaxRetries, &task.Result, &approved, &held, &simulate,
		&sandbox, &createdAt, &startTime, &endTime)
	if err != nil {
		return nil, err
	}

	task.Kind = scheduler.Kind(kind)
	task.Environment = scheduler.Environment(env)
	task.Status = scheduler.TaskStatus(status)
	task.Approved = approved != 0
	task.Held = held != 0
	task.Simulate = simulate != 0
	task.Logs = []string{}
	task.Errors = []string{}

	if err := decodeJSON(params, &task.Params); err != nil {
		return nil, fmt.Errorf("corrupt params for task %s: %w", task.ID, err)
	}
	if len(task.Params) == 0 {
		task.Params = nil
	}
	if err := decodeJSON(dependsOn, &task.DependsOn); err != nil {
		return nil, fmt.Errorf("corrupt dependencies for task %s: %w", task.ID, err)
	}
	if len(task.DependsOn) == 0 {
		task.DependsOn = nil
	}
	if err := decodeJSON(resources, &task.Resources); err != nil {
		return nil, fmt.Errorf("corrupt resources for task %s: %w", task.ID, err)
	}
	if len(task.Resources) == 0 {
		task.Resources = nil
	}
	if err := decodeJSON(sandbox, &task.Sandbox); err != nil {
		return nil, fmt.Errorf("corrupt sandbox for task %s: %w", task.ID, err)
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.StartTime, err = parseTimePtr(startTime); err != nil {
		return nil, err
	}
	if task.EndTime, err = parseTimePtr(endTime); err != nil {
		return nil, err
	}
	return &task, nil
}
