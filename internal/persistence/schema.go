package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are RFC 3339 text in UTC; structured fields are JSON text.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		simulate INTEGER NOT NULL DEFAULT 0,
		sandbox TEXT NOT NULL,
		status TEXT NOT NULL,
		waiting_for_prompt_id TEXT NOT NULL DEFAULT '',
		task_ids TEXT NOT NULL DEFAULT '[]',
		result TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_order ON jobs(priority DESC, created_at ASC);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		environment TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		depends_on TEXT NOT NULL DEFAULT '[]',
		resources TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		result TEXT NOT NULL DEFAULT '',
		approved INTEGER NOT NULL DEFAULT 0,
		held INTEGER NOT NULL DEFAULT 0,
		simulate INTEGER NOT NULL DEFAULT 0,
		sandbox TEXT NOT NULL,
		created_at TEXT NOT NULL,
		start_time TEXT,
		end_time TEXT,
		CHECK (retry_count <= max_retries),
		CHECK (progress BETWEEN 0 AND 100)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_job_id ON tasks(job_id);

	CREATE TABLE IF NOT EXISTS task_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		line TEXT NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_logs_task_id ON task_logs(task_id, id);

	CREATE TABLE IF NOT EXISTS prompts (
		id TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		title TEXT NOT NULL,
		rationale TEXT NOT NULL,
		options TEXT NOT NULL,
		meta TEXT NOT NULL,
		delays INTEGER NOT NULL DEFAULT 0,
		ord INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
