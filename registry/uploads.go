package registry

import (
	"context"
	"fmt"
	"time"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/internal/streamutil"
	"ocistore.dev/go/ocistore/metadb"

	"github.com/google/uuid"
)

// uploadStore implements [ocistore.UploadStore]. A session lives as a
// row in upload_sessions plus, once data arrives, a multipart upload
// in the object store keyed under uploads/<session-id>.
type uploadStore struct {
	reg  *Registry
	repo *metadb.Repository
}

var _ ocistore.UploadStore = (*uploadStore)(nil)

func (s *uploadStore) Begin(ctx context.Context) (ocistore.BlobWriter, error) {
	digesters := streamutil.NewDigesters()
	state, err := digesters.Marshal()
	if err != nil {
		return nil, err
	}
	session := &metadb.UploadSession{
		UUID:         uuid.NewString(),
		RepositoryID: s.repo.ID,
		StartedAt:    time.Now().UTC(),
		ChunkNumber:  1,
		DigestState:  state,
	}
	if err := metadb.InsertUploadSession(ctx, s.reg.db.Querier(), session); err != nil {
		return nil, err
	}
	return &blobWriter{reg: s.reg, session: session, digesters: digesters}, nil
}

// Resume reopens a session. A non-negative start must equal the bytes
// committed so far; pass start < 0 to skip the check (HEAD-style
// status requests and final PUTs without a Content-Range).
func (s *uploadStore) Resume(ctx context.Context, id string, start int64) (ocistore.BlobWriter, error) {
	session, err := metadb.GetUploadSession(ctx, s.reg.db.Querier(), id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ocistore.ErrBlobUploadUnknown
	}
	if start >= 0 && start != session.CommittedBytes {
		return nil, fmt.Errorf("%w: range starts at %d but %d bytes are committed", ocistore.ErrRangeInvalid, start, session.CommittedBytes)
	}
	digesters, err := streamutil.UnmarshalDigesters(session.DigestState)
	if err != nil {
		return nil, err
	}
	return &blobWriter{reg: s.reg, session: session, digesters: digesters}, nil
}

func (s *uploadStore) Abort(ctx context.Context, id string) error {
	session, err := metadb.GetUploadSession(ctx, s.reg.db.Querier(), id)
	if err != nil {
		return err
	}
	if session == nil {
		return ocistore.ErrBlobUploadUnknown
	}
	if session.UploadID.Valid {
		err := s.reg.objects.AbortMultipart(ctx, sessionKey(id), session.UploadID.String)
		if err != nil {
			s.reg.log.WithField("session", id).WithError(err).Warn("cannot abort multipart upload")
		}
	}
	return metadb.DeleteUploadSession(ctx, s.reg.db.Querier(), id)
}

func sessionKey(id string) string {
	return "uploads/" + id
}
