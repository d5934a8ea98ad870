package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/internal/streamutil"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore"

	"github.com/google/uuid"
)

// mediaTypeBlob is the descriptor media type reported for raw blobs.
// The registry stores blobs without knowing their real media type.
const mediaTypeBlob = "application/octet-stream"

// blobStore implements [ocistore.BlobStore]. Blobs are global: the
// same content pushed to two repositories shares one row and one
// object, so the store carries no repository state.
type blobStore struct {
	reg *Registry
}

var _ ocistore.BlobStore = (*blobStore)(nil)

func (s *blobStore) Stat(ctx context.Context, dgst ocistore.Digest) (ocistore.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return ocistore.Descriptor{}, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	b, err := metadb.GetBlobByDigest(ctx, s.reg.db.Querier(), dgst)
	if err != nil {
		return ocistore.Descriptor{}, err
	}
	if b == nil {
		return ocistore.Descriptor{}, ocistore.ErrBlobUnknown
	}
	return blobDescriptor(b), nil
}

func (s *blobStore) Get(ctx context.Context, dgst ocistore.Digest) (ocistore.BlobReader, error) {
	if err := dgst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	b, err := metadb.GetBlobByDigest(ctx, s.reg.db.Querier(), dgst)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ocistore.ErrBlobUnknown
	}
	rc, err := s.reg.objects.Get(ctx, b.ID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, ocistore.ErrBlobUnknown
	}
	if err != nil {
		return nil, err
	}
	return &blobReader{ReadCloser: rc, desc: blobDescriptor(b)}, nil
}

// Put stores a blob monolithically. When a row for the digest already
// exists and its object is present, the content is not consumed and
// the existing descriptor is returned.
func (s *blobStore) Put(ctx context.Context, dgst ocistore.Digest, size int64, content io.Reader) (ocistore.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return ocistore.Descriptor{}, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	return metadb.Tx(ctx, s.reg.db, func(tx *sql.Tx) (ocistore.Descriptor, error) {
		b, err := metadb.GetBlobByDigest(ctx, tx, dgst)
		if err != nil {
			return ocistore.Descriptor{}, err
		}
		if b != nil {
			exists, err := s.reg.objects.Exists(ctx, b.ID)
			if err != nil {
				return ocistore.Descriptor{}, err
			}
			if exists {
				return blobDescriptor(b), nil
			}
			// The row survived but its object went missing
			// (interrupted earlier upload). Re-upload under
			// the same id.
			return s.upload(ctx, b, size, content)
		}
		b = &metadb.Blob{
			ID:     uuid.NewString(),
			Digest: dgst,
			Size:   size,
		}
		if err := metadb.InsertBlob(ctx, tx, b); err != nil {
			return ocistore.Descriptor{}, err
		}
		return s.upload(ctx, b, size, content)
	})
}

// upload streams the content to the object store under the blob's id,
// verifying the byte count and digest as it goes. On verification
// failure the object is removed and the caller's transaction rolls the
// row back.
func (s *blobStore) upload(ctx context.Context, b *metadb.Blob, size int64, content io.Reader) (ocistore.Descriptor, error) {
	dr := streamutil.NewDigestReader(content, b.Digest.Algorithm())
	if err := s.reg.objects.Put(ctx, b.ID, size, dr); err != nil {
		return ocistore.Descriptor{}, fmt.Errorf("cannot upload blob %s: %w", b.Digest, err)
	}
	if dr.BytesRead() != size {
		s.discard(ctx, b.ID)
		return ocistore.Descriptor{}, fmt.Errorf("%w: got %d bytes, expected %d", ocistore.ErrSizeInvalid, dr.BytesRead(), size)
	}
	if got := dr.Digest(); got != b.Digest {
		s.discard(ctx, b.ID)
		return ocistore.Descriptor{}, fmt.Errorf("%w: content digest %s does not match %s", ocistore.ErrDigestInvalid, got, b.Digest)
	}
	return blobDescriptor(b), nil
}

func (s *blobStore) discard(ctx context.Context, key string) {
	if err := s.reg.objects.Delete(ctx, key); err != nil {
		s.reg.log.WithField("key", key).WithError(err).Warn("cannot remove rejected object")
	}
}

// Delete removes the blob row and, once the row is gone, its object.
// A blob still referenced by a manifest cannot be deleted.
func (s *blobStore) Delete(ctx context.Context, dgst ocistore.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	b, err := metadb.Tx(ctx, s.reg.db, func(tx *sql.Tx) (*metadb.Blob, error) {
		b, err := metadb.GetBlobByDigest(ctx, tx, dgst)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return nil, ocistore.ErrBlobUnknown
		}
		if err := metadb.DeleteBlob(ctx, tx, b.ID); err != nil {
			if errors.Is(err, metadb.ErrReferenced) {
				return nil, fmt.Errorf("%w: blob %s is referenced by a manifest", ocistore.ErrContentReferenced, dgst)
			}
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return err
	}
	s.reg.deleteObject(ctx, b.ID)
	return nil
}

func blobDescriptor(b *metadb.Blob) ocistore.Descriptor {
	return ocistore.Descriptor{
		MediaType: mediaTypeBlob,
		Digest:    b.Digest,
		Size:      b.Size,
	}
}
