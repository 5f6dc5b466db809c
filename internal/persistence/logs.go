package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/trustgate/internal/scheduler"
)

// AppendTaskLog stores one log or error line for a task.
// Lines are append-only (no upsert needed).
func (s *SQLiteStore) AppendTaskLog(ctx context.Context, taskID, line string, isError bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, is_error, line, created_at)
			VALUES (?, ?, ?, ?)
		`, taskID, boolInt(isError), line, formatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to append task log: %w", err)
		}
		return nil
	})
}

// attachLogs loads log lines for the given tasks, in insertion order.
// where filters task_logs; an empty where loads every line.
func (s *SQLiteStore) attachLogs(ctx context.Context, tasks []*scheduler.Task, where string, args ...any) error {
	if len(tasks) == 0 {
		return nil
	}
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT task_id, is_error, line FROM task_logs `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("failed to query task logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			taskID, line string
			isError      int
		)
		if err := rows.Scan(&taskID, &isError, &line); err != nil {
			return fmt.Errorf("failed to scan task log: %w", err)
		}
		t, ok := byID[taskID]
		if !ok {
			continue
		}
		if isError != 0 {
			t.Errors = append(t.Errors, line)
		} else {
			t.Logs = append(t.Logs, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating task logs: %w", err)
	}
	return nil
}
