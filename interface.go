// Package ocistore defines the storage model behind an OCI distribution
// registry: content-addressed blobs, manifests indexed by repository,
// tags, and resumable upload sessions.
//
// The interfaces in this package are implemented by
// [ocistore.dev/go/ocistore/registry], which combines a relational
// metadata store with a remote object store. The
// [ocistore.dev/go/ocistore/ociserver] package serves the distribution
// HTTP protocol on top of any [RepositoryStore] value.
//
// See the [OCI distribution specification] for the protocol this model
// backs.
//
// [OCI distribution specification]: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package ocistore

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type (
	Digest     = digest.Digest
	Descriptor = ocispec.Descriptor
)

// Ref addresses a manifest within a repository, either by digest or by
// tag. Exactly one of the two fields is set.
type Ref struct {
	Digest Digest
	Tag    string
}

// ParseRef interprets s as a digest if it is well formed as one, and as
// a tag otherwise.
func ParseRef(s string) (Ref, error) {
	if d, err := digest.Parse(s); err == nil {
		return Ref{Digest: d}, nil
	}
	if !IsValidTag(s) {
		return Ref{}, ErrManifestUnknown
	}
	return Ref{Tag: s}, nil
}

// IsTag reports whether r refers to a manifest by tag.
func (r Ref) IsTag() bool {
	return r.Tag != ""
}

func (r Ref) String() string {
	if r.IsTag() {
		return r.Tag
	}
	return string(r.Digest)
}

// RepositoryStore resolves repository names to per-repository handles.
// Repositories are created lazily on first push and are never destroyed
// implicitly.
type RepositoryStore interface {
	// Get returns the handle for an existing repository.
	// Errors:
	// - ErrNameInvalid when the name is not a valid repository name.
	// - ErrNameUnknown when the repository does not exist.
	Get(ctx context.Context, name string) (Repository, error)

	// GetOrCreate returns the handle for the named repository,
	// creating it if necessary. It is an idempotent upsert.
	GetOrCreate(ctx context.Context, name string) (Repository, error)

	// Repositories lists repository names in lexical order. If n > 0
	// the result is truncated to n entries; if last is non-empty only
	// names strictly greater than last are returned.
	Repositories(ctx context.Context, n int, last string) ([]string, error)
}

// Repository aggregates the stores scoped to one repository name.
type Repository interface {
	Name() string
	Blobs() BlobStore
	Manifests() ManifestStore
	Uploads() UploadStore

	// Tags lists tag names in lexical order, paginated like
	// [RepositoryStore.Repositories].
	Tags(ctx context.Context, n int, last string) ([]string, error)
}

// BlobStore holds content-addressed blobs. Blob content is shared
// across repositories; only the metadata linking it to manifests is
// repository-scoped.
type BlobStore interface {
	// Stat returns the descriptor for the blob with the given digest.
	// Errors:
	// - ErrDigestInvalid when dgst is malformed.
	// - ErrBlobUnknown when no such blob exists.
	Stat(ctx context.Context, dgst Digest) (Descriptor, error)

	// Get returns the blob content as a stream.
	Get(ctx context.Context, dgst Digest) (BlobReader, error)

	// Put stores size bytes read from content under dgst. The content
	// is digested as it streams through and verified against dgst and
	// size before the blob becomes visible. Pushing content that is
	// already present is a no-op returning the existing descriptor.
	// Errors:
	// - ErrDigestInvalid when the content does not hash to dgst.
	// - ErrSizeInvalid when the content length does not match size.
	Put(ctx context.Context, dgst Digest, size int64, content io.Reader) (Descriptor, error)

	// Delete removes the blob row and, after commit, its stored object.
	// Errors:
	// - ErrBlobUnknown when no such blob exists.
	// - ErrContentReferenced when a manifest still references the blob.
	Delete(ctx context.Context, dgst Digest) error
}

// UploadStore manages resumable chunked blob uploads. A session moves
// from open (no data) through uploading (multipart parts accumulating
// in the object store) to either a committed blob or an abort.
type UploadStore interface {
	// Begin creates a new upload session and returns a writer for it.
	// No object-store state exists until the first write.
	Begin(ctx context.Context) (BlobWriter, error)

	// Resume returns a writer for an existing session. If start is
	// non-negative it must equal the number of bytes committed so far.
	// Errors:
	// - ErrBlobUploadUnknown when no such session exists.
	// - ErrRangeInvalid when start is not the next expected offset.
	Resume(ctx context.Context, id string, start int64) (BlobWriter, error)

	// Abort discards the session, sweeping any multipart state left in
	// the object store.
	Abort(ctx context.Context, id string) error
}

// BlobWriter appends content to one upload session. Each call to Write
// or WriteChunked appends one or more object-store parts; Commit
// finalizes the accumulated parts into a content-addressed blob and
// deletes the session. A writer is bound to a single request; ordering
// across requests is enforced by the session's range check.
type BlobWriter interface {
	// ID returns the session identifier, suitable for Resume.
	ID() string

	// Size returns the number of bytes committed to the session.
	Size() int64

	// Write appends a single part of known length.
	Write(ctx context.Context, size int64, content io.Reader) error

	// WriteChunked re-buffers content into fixed-size parts and
	// appends them, the last part possibly short.
	WriteChunked(ctx context.Context, content io.Reader) error

	// Commit verifies the accumulated content against dgst, completes
	// the multipart upload under the blob's storage key and deletes
	// the session. If the content is already present the multipart
	// state is aborted instead and the existing blob is returned.
	// Errors:
	// - ErrDigestInvalid when the content does not hash to dgst.
	Commit(ctx context.Context, dgst Digest) (Descriptor, error)
}

// ManifestStore holds the manifests of one repository.
type ManifestStore interface {
	// Stat resolves ref to a manifest descriptor.
	// Errors:
	// - ErrManifestUnknown when ref does not resolve.
	Stat(ctx context.Context, ref Ref) (Descriptor, error)

	// Get returns the manifest's stored bytes along with its descriptor.
	Get(ctx context.Context, ref Ref) (BlobReader, error)

	// Put parses and stores a manifest. contents must parse as an OCI
	// image manifest or image index; all referenced layers (and config)
	// must already exist as blobs, and all child manifests of an index
	// must exist in the same repository. If ref is a tag it is upserted
	// to point at the manifest. mediaType is the value of the
	// Content-Type header, consulted when the manifest body does not
	// declare its own.
	// Errors:
	// - ErrManifestInvalid when contents do not parse.
	// - ErrDigestInvalid when ref is a digest not matching contents.
	// - ErrManifestBlobUnknown when a referenced blob is missing.
	// - ErrManifestUnknown when a referenced child manifest is missing.
	Put(ctx context.Context, ref Ref, contents []byte, mediaType string) (Descriptor, error)

	// Delete removes the manifest, its associations, any tags pointing
	// at it, and its backing blob.
	Delete(ctx context.Context, ref Ref) error

	// Referrers returns an image index listing the manifests in this
	// repository whose subject is dgst, sorted by digest ascending,
	// optionally filtered by artifact type.
	Referrers(ctx context.Context, dgst Digest, artifactType string) (ocispec.Index, error)
}

// BlobReader provides the contents of a blob or manifest.
type BlobReader interface {
	io.ReadCloser
	// Descriptor returns the descriptor for the content.
	Descriptor() Descriptor
}
