package metadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertUploadSession inserts a new upload session row.
func InsertUploadSession(ctx context.Context, q Querier, s *UploadSession) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO upload_sessions (uuid, repository_id, started_at, upload_id, chunk_number, committed_bytes, digest_state)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.UUID, s.RepositoryID, s.StartedAt, s.UploadID, s.ChunkNumber, s.CommittedBytes, s.DigestState)
	if err != nil {
		return fmt.Errorf("cannot insert upload session %s: %w", s.UUID, err)
	}
	return nil
}

// GetUploadSession returns the session row, or nil when absent.
func GetUploadSession(ctx context.Context, q Querier, uuid string) (*UploadSession, error) {
	var s UploadSession
	err := q.QueryRowContext(ctx,
		`SELECT uuid, repository_id, started_at, upload_id, chunk_number, committed_bytes, digest_state
		 FROM upload_sessions WHERE uuid = ?`, uuid).
		Scan(&s.UUID, &s.RepositoryID, &s.StartedAt, &s.UploadID, &s.ChunkNumber, &s.CommittedBytes, &s.DigestState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot look up upload session %s: %w", uuid, err)
	}
	return &s, nil
}

// UpdateUploadSession persists the session's mutable fields.
func UpdateUploadSession(ctx context.Context, q Querier, s *UploadSession) error {
	_, err := q.ExecContext(ctx,
		`UPDATE upload_sessions SET upload_id = ?, chunk_number = ?, committed_bytes = ?, digest_state = ?
		 WHERE uuid = ?`,
		s.UploadID, s.ChunkNumber, s.CommittedBytes, s.DigestState, s.UUID)
	if err != nil {
		return fmt.Errorf("cannot update upload session %s: %w", s.UUID, err)
	}
	return nil
}

// DeleteUploadSession removes the session; its chunk rows cascade.
func DeleteUploadSession(ctx context.Context, q Querier, uuid string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM upload_sessions WHERE uuid = ?`, uuid)
	return err
}

// InsertUploadChunk records one accepted chunk.
func InsertUploadChunk(ctx context.Context, q Querier, c *UploadChunk) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO upload_chunks (session_uuid, chunk_number, etag) VALUES (?, ?, ?)`,
		c.SessionUUID, c.ChunkNumber, c.ETag)
	if err != nil {
		return fmt.Errorf("cannot insert chunk %d of session %s: %w", c.ChunkNumber, c.SessionUUID, err)
	}
	return nil
}

// ListUploadChunks returns the session's chunks ordered by chunk
// number ascending.
func ListUploadChunks(ctx context.Context, q Querier, uuid string) ([]*UploadChunk, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT session_uuid, chunk_number, etag FROM upload_chunks
		 WHERE session_uuid = ? ORDER BY chunk_number`, uuid)
	if err != nil {
		return nil, fmt.Errorf("cannot list chunks of session %s: %w", uuid, err)
	}
	defer rows.Close()
	var cs []*UploadChunk
	for rows.Next() {
		var c UploadChunk
		if err := rows.Scan(&c.SessionUUID, &c.ChunkNumber, &c.ETag); err != nil {
			return nil, err
		}
		cs = append(cs, &c)
	}
	return cs, rows.Err()
}
