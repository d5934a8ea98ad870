package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

const manifestColumns = `id, repository_id, blob_id, digest, size, media_type, artifact_type, subject_digest`

// InsertManifest inserts a manifest row and fills in its assigned id.
func InsertManifest(ctx context.Context, q Querier, m *Manifest) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO manifests (repository_id, blob_id, digest, size, media_type, artifact_type, subject_digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RepositoryID, m.BlobID, m.Digest.String(), m.Size, m.MediaType, m.ArtifactType, m.SubjectDigest)
	if err != nil {
		return fmt.Errorf("cannot insert manifest %s: %w", m.Digest, err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

// GetManifestByDigest returns the manifest row for (repository,
// digest), or nil when absent.
func GetManifestByDigest(ctx context.Context, q Querier, repositoryID int64, dgst digest.Digest) (*Manifest, error) {
	return scanManifest(q.QueryRowContext(ctx,
		`SELECT `+manifestColumns+` FROM manifests WHERE repository_id = ? AND digest = ?`,
		repositoryID, dgst.String()))
}

// GetManifestByTag resolves a tag to its manifest row, or nil when the
// tag does not exist.
func GetManifestByTag(ctx context.Context, q Querier, repositoryID int64, tag string) (*Manifest, error) {
	return scanManifest(q.QueryRowContext(ctx,
		`SELECT m.id, m.repository_id, m.blob_id, m.digest, m.size, m.media_type, m.artifact_type, m.subject_digest
		 FROM manifests m JOIN tags t ON t.manifest_id = m.id
		 WHERE t.repository_id = ? AND t.name = ?`,
		repositoryID, tag))
}

// ListManifestsByDigests returns the manifest rows within a repository
// for the given digests, keyed by digest. Missing digests are absent
// from the result.
func ListManifestsByDigests(ctx context.Context, q Querier, repositoryID int64, dgsts []digest.Digest) (map[digest.Digest]*Manifest, error) {
	found := make(map[digest.Digest]*Manifest, len(dgsts))
	for _, d := range dgsts {
		if _, ok := found[d]; ok {
			continue
		}
		m, err := GetManifestByDigest(ctx, q, repositoryID, d)
		if err != nil {
			return nil, err
		}
		if m != nil {
			found[d] = m
		}
	}
	return found, nil
}

// DeleteManifest removes the manifest row. Associations and tags must
// be removed first (same transaction).
func DeleteManifest(ctx context.Context, q Querier, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM manifests WHERE id = ?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

// AssociateLayer records that the manifest references the blob as a
// layer (or config). The association protects the blob from deletion.
func AssociateLayer(ctx context.Context, q Querier, manifestID int64, blobID string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO manifest_layers (manifest_id, blob_id) VALUES (?, ?)
		 ON CONFLICT (manifest_id, blob_id) DO NOTHING`,
		manifestID, blobID)
	if err != nil {
		return fmt.Errorf("cannot associate layer: %w", err)
	}
	return nil
}

// AssociateChild records that the index manifest references the child
// manifest.
func AssociateChild(ctx context.Context, q Querier, parentID, childID int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO manifest_references (parent_id, child_id) VALUES (?, ?)
		 ON CONFLICT (parent_id, child_id) DO NOTHING`,
		parentID, childID)
	if err != nil {
		return fmt.Errorf("cannot associate child manifest: %w", err)
	}
	return nil
}

// DissociateManifest removes the associations the manifest holds as a
// referrer: its layer links and its child links as an index parent.
// Rows where the manifest is the child are left in place; they protect
// it from deletion while an index still references it, surfacing as
// ErrReferenced from [DeleteManifest].
func DissociateManifest(ctx context.Context, q Querier, id int64) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM manifest_layers WHERE manifest_id = ?`, id); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM manifest_references WHERE parent_id = ?`, id); err != nil {
		return err
	}
	return nil
}

// GetReferrers returns the manifests in the repository whose subject
// is dgst, optionally filtered by artifact type, ordered by digest
// ascending.
func GetReferrers(ctx context.Context, q Querier, repositoryID int64, dgst digest.Digest, artifactType string) ([]*Manifest, error) {
	query := `SELECT ` + manifestColumns + ` FROM manifests WHERE repository_id = ? AND subject_digest = ?`
	args := []any{repositoryID, dgst.String()}
	if artifactType != "" {
		query += ` AND artifact_type = ?`
		args = append(args, artifactType)
	}
	query += ` ORDER BY digest`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list referrers of %s: %w", dgst, err)
	}
	defer rows.Close()
	var ms []*Manifest
	for rows.Next() {
		m, err := scanManifestRow(rows)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManifest(row *sql.Row) (*Manifest, error) {
	m, err := scanManifestRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanManifestRow(row rowScanner) (*Manifest, error) {
	var m Manifest
	var dgst string
	err := row.Scan(&m.ID, &m.RepositoryID, &m.BlobID, &dgst, &m.Size,
		&m.MediaType, &m.ArtifactType, &m.SubjectDigest)
	if err != nil {
		return nil, err
	}
	m.Digest = digest.Digest(dgst)
	return &m, nil
}
