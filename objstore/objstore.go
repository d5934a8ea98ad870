// Package objstore defines the abstract blob I/O contract between the
// registry engine and its object-store backend. Objects are keyed by
// opaque identifiers; content addressing happens a level above, in the
// metadata store.
package objstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Get when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Part identifies one uploaded piece of a multipart upload.
type Part struct {
	// Number is the 1-based part number.
	Number int32
	// ETag is the entity tag the backend returned for the part, if any.
	ETag string
}

// Store is the object-store contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns a stream of the object's content.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object exists under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Put stores size bytes read from content under key.
	Put(ctx context.Context, key string, size int64, content io.Reader) error

	// Delete removes the object under key. Deleting a missing object
	// is not an error.
	Delete(ctx context.Context, key string) error

	// CreateMultipart starts a multipart upload under key and returns
	// the backend's opaque upload identifier.
	CreateMultipart(ctx context.Context, key string) (uploadID string, err error)

	// UploadPart uploads one part of a multipart upload.
	UploadPart(ctx context.Context, key, uploadID string, number int32, size int64, content io.Reader) (Part, error)

	// CompleteMultipart composes the uploaded parts into a single
	// object and moves it to finalKey, leaving nothing under key.
	// Implementations may fuse the compose and the move where the
	// backend supports completing directly at finalKey.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part, finalKey string) error

	// AbortMultipart discards the multipart upload and any parts
	// uploaded so far.
	AbortMultipart(ctx context.Context, key, uploadID string) error
}
