package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/trustgate/internal/trust"
)

// SavePrompt inserts or replaces a pending prompt.
func (s *SQLiteStore) SavePrompt(ctx context.Context, p trust.PendingPrompt) error {
	options, err := encodeJSON(p.Prompt.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}
	meta, err := encodeJSON(p.Prompt.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompts (id, level, title, rationale, options, meta, delays, ord, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				delays = excluded.delays,
				ord = excluded.ord
		`, p.Prompt.ID, p.Prompt.Level, p.Prompt.Title, p.Prompt.Rationale, options, meta,
			p.Delays, p.Order, formatTime(p.Prompt.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert prompt: %w", err)
		}
		return nil
	})
}

// DeletePrompt removes a prompt. Deleting an unknown id is not an error.
func (s *SQLiteStore) DeletePrompt(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete prompt: %w", err)
		}
		return nil
	})
}

// ListPrompts returns the pending prompts in pending order.
func (s *SQLiteStore) ListPrompts(ctx context.Context) ([]trust.PendingPrompt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, title, rationale, options, meta, delays, ord, created_at
		FROM prompts
		ORDER BY ord ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}
	defer rows.Close()

	prompts := []trust.PendingPrompt{}
	for rows.Next() {
		var (
			p                        trust.PendingPrompt
			options, meta, createdAt string
		)
		if err := rows.Scan(&p.Prompt.ID, &p.Prompt.Level, &p.Prompt.Title, &p.Prompt.Rationale,
			&options, &meta, &p.Delays, &p.Order, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		if err := decodeJSON(options, &p.Prompt.Options); err != nil {
			return nil, fmt.Errorf("corrupt options for prompt %s: %w", p.Prompt.ID, err)
		}
		if err := decodeJSON(meta, &p.Prompt.Meta); err != nil {
			return nil, fmt.Errorf("corrupt meta for prompt %s: %w", p.Prompt.ID, err)
		}
		if p.Prompt.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prompts: %w", err)
	}
	return prompts, nil
}
