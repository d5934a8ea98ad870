package metadb

import (
	"database/sql"
	"time"

	"github.com/opencontainers/go-digest"
)

// Repository is a named namespace for manifests and tags. Repositories
// are created lazily on first reference and never destroyed implicitly.
type Repository struct {
	ID   int64
	Name string
}

// Blob is one content-addressed object. ID is an opaque identifier
// used as the object-store key; the same digest pushed to several
// repositories shares one row and one stored object.
type Blob struct {
	ID     string
	Digest digest.Digest
	Size   int64
}

// Manifest is a stored manifest. Its serialized bytes live in the blob
// identified by BlobID.
type Manifest struct {
	ID            int64
	RepositoryID  int64
	BlobID        string
	Digest        digest.Digest
	Size          int64
	MediaType     sql.NullString
	ArtifactType  sql.NullString
	SubjectDigest sql.NullString
}

// Tag is a mutable named pointer to a manifest within a repository.
type Tag struct {
	RepositoryID int64
	Name         string
	ManifestID   int64
}

// UploadSession tracks one in-progress chunked blob upload. UploadID
// is the object store's multipart handle and is set once the first
// chunk arrives. ChunkNumber is the next part number to assign,
// starting at 1. CommittedBytes is the number of bytes accepted so
// far; the next valid range start equals it. DigestState carries the
// serialized running hash state across requests.
type UploadSession struct {
	UUID           string
	RepositoryID   int64
	StartedAt      time.Time
	UploadID       sql.NullString
	ChunkNumber    int64
	CommittedBytes int64
	DigestState    []byte
}

// UploadChunk records one accepted part of an upload session.
type UploadChunk struct {
	SessionUUID string
	ChunkNumber int64
	ETag        sql.NullString
}
