package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Reason is one reason template alias.
type Reason struct {
	Key   string
	Value string
}

// AddReason stores a reason template alias.
func (s *Store) AddReason(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO reasons (key, value) VALUES (?, ?)", key, value)
	if err != nil {
		return fmt.Errorf("failed to add reason %q: %w", key, err)
	}
	return nil
}

// DeleteReason removes a reason template alias.
func (s *Store) DeleteReason(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM reasons WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete reason %q: %w", key, err)
	}
	return nil
}

// HasReason reports whether an alias exists.
func (s *Store) HasReason(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM reasons WHERE key = ?", key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check reason %q: %w", key, err)
	}
	return true, nil
}

// ListReasons returns all reason template aliases.
func (s *Store) ListReasons(ctx context.Context) ([]Reason, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM reasons ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list reasons: %w", err)
	}
	defer rows.Close()

	var reasons []Reason
	for rows.Next() {
		var r Reason
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("failed to scan reason: %w", err)
		}
		reasons = append(reasons, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reasons: %w", err)
	}
	return reasons, nil
}
