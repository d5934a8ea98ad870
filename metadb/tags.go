package metadb

import (
	"context"
	"fmt"
)

// UpsertTag points the tag at the manifest, replacing any previous
// target.
func UpsertTag(ctx context.Context, q Querier, t *Tag) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO tags (repository_id, name, manifest_id) VALUES (?, ?, ?)
		 ON CONFLICT (repository_id, name) DO UPDATE SET manifest_id = excluded.manifest_id`,
		t.RepositoryID, t.Name, t.ManifestID)
	if err != nil {
		return fmt.Errorf("cannot upsert tag %q: %w", t.Name, err)
	}
	return nil
}

// ListTags returns tag names in lexical order, starting strictly after
// last (when non-empty) and truncated to n (when > 0).
func ListTags(ctx context.Context, q Querier, repositoryID int64, n int, last string) ([]string, error) {
	query := `SELECT name FROM tags WHERE repository_id = ? AND name > ? ORDER BY name`
	args := []any{repositoryID, last}
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list tags: %w", err)
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

// DeleteTagsByManifest removes every tag pointing at the manifest.
func DeleteTagsByManifest(ctx context.Context, q Querier, manifestID int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM tags WHERE manifest_id = ?`, manifestID)
	return err
}
