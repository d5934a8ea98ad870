package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateRepository inserts the repository if it does not exist and
// returns its row either way.
func CreateRepository(ctx context.Context, q Querier, name string) (*Repository, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO repositories (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return nil, fmt.Errorf("cannot create repository %q: %w", name, err)
	}
	return GetRepositoryByName(ctx, q, name)
}

// GetRepositoryByName returns the repository row, or nil when absent.
func GetRepositoryByName(ctx context.Context, q Querier, name string) (*Repository, error) {
	var r Repository
	err := q.QueryRowContext(ctx,
		`SELECT id, name FROM repositories WHERE name = ?`, name).Scan(&r.ID, &r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot look up repository %q: %w", name, err)
	}
	return &r, nil
}

// ListRepositories returns repository names in lexical order, starting
// strictly after last (when non-empty) and truncated to n (when > 0).
func ListRepositories(ctx context.Context, q Querier, n int, last string) ([]string, error) {
	query := `SELECT name FROM repositories WHERE name > ? ORDER BY name`
	args := []any{last}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list repositories: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
