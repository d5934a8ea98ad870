package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// InsertBlob inserts a blob row.
func InsertBlob(ctx context.Context, q Querier, b *Blob) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO blobs (id, digest, size) VALUES (?, ?, ?)`,
		b.ID, b.Digest.String(), b.Size)
	if err != nil {
		return fmt.Errorf("cannot insert blob %s: %w", b.Digest, err)
	}
	return nil
}

// GetBlobByDigest returns the blob row for dgst, or nil when absent.
func GetBlobByDigest(ctx context.Context, q Querier, dgst digest.Digest) (*Blob, error) {
	return scanBlob(q.QueryRowContext(ctx,
		`SELECT id, digest, size FROM blobs WHERE digest = ?`, dgst.String()))
}

// GetBlobsByDigests returns the blob rows for the given digests, keyed
// by digest. Missing digests are simply absent from the result.
func GetBlobsByDigests(ctx context.Context, q Querier, dgsts []digest.Digest) (map[digest.Digest]*Blob, error) {
	if len(dgsts) == 0 {
		return map[digest.Digest]*Blob{}, nil
	}
	args := make([]any, len(dgsts))
	for i, d := range dgsts {
		args[i] = d.String()
	}
	query := `SELECT id, digest, size FROM blobs WHERE digest IN (?` +
		strings.Repeat(", ?", len(dgsts)-1) + `)`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot look up blobs: %w", err)
	}
	defer rows.Close()
	found := make(map[digest.Digest]*Blob)
	for rows.Next() {
		var b Blob
		var dgst string
		if err := rows.Scan(&b.ID, &dgst, &b.Size); err != nil {
			return nil, err
		}
		b.Digest = digest.Digest(dgst)
		found[b.Digest] = &b
	}
	return found, rows.Err()
}

// DeleteBlob removes the blob row. It returns ErrReferenced when a
// manifest or layer association still points at the blob.
func DeleteBlob(ctx context.Context, q Querier, id string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

func scanBlob(row *sql.Row) (*Blob, error) {
	var b Blob
	var dgst string
	err := row.Scan(&b.ID, &dgst, &b.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot look up blob: %w", err)
	}
	b.Digest = digest.Digest(dgst)
	return &b, nil
}
