// Package registry implements the ocistore interfaces on top of a
// relational metadata store and a remote object store. Metadata
// mutations that span rows run in transactions; object uploads happen
// inside the transaction after the rows are inserted, so a failure
// rolls both back together.
package registry

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore"
)

// deleteAttempts bounds the best-effort object deletion that runs
// after a metadata commit. Object stores can report stale existence
// for a short while after a delete.
const deleteAttempts = 10

// Registry is the engine root. It implements
// [ocistore.RepositoryStore].
type Registry struct {
	db      *metadb.DB
	objects objstore.Store
	log     *logrus.Entry
}

var _ ocistore.RepositoryStore = (*Registry)(nil)

// New returns a Registry backed by the given metadata database and
// object store.
func New(db *metadb.DB, objects objstore.Store) *Registry {
	return &Registry{
		db:      db,
		objects: objects,
		log:     logrus.WithField("component", "registry"),
	}
}

// Get implements [ocistore.RepositoryStore.Get].
func (r *Registry) Get(ctx context.Context, name string) (ocistore.Repository, error) {
	if !ocistore.IsValidRepoName(name) {
		return nil, ocistore.ErrNameInvalid
	}
	row, err := metadb.GetRepositoryByName(ctx, r.db.Querier(), name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ocistore.ErrNameUnknown
	}
	return &repository{reg: r, row: row}, nil
}

// GetOrCreate implements [ocistore.RepositoryStore.GetOrCreate].
func (r *Registry) GetOrCreate(ctx context.Context, name string) (ocistore.Repository, error) {
	if !ocistore.IsValidRepoName(name) {
		return nil, ocistore.ErrNameInvalid
	}
	row, err := metadb.CreateRepository(ctx, r.db.Querier(), name)
	if err != nil {
		return nil, err
	}
	return &repository{reg: r, row: row}, nil
}

// Repositories implements [ocistore.RepositoryStore.Repositories].
func (r *Registry) Repositories(ctx context.Context, n int, last string) ([]string, error) {
	return metadb.ListRepositories(ctx, r.db.Querier(), n, last)
}

// deleteObject removes an object after its metadata row is gone. The
// row is already committed away, so failure here only leaks an object;
// retry a few times and log if the object outlives us.
func (r *Registry) deleteObject(ctx context.Context, key string) {
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		if err := r.objects.Delete(ctx, key); err != nil {
			continue
		}
		exists, err := r.objects.Exists(ctx, key)
		if err == nil && !exists {
			return
		}
	}
	r.log.WithField("key", key).Warn("could not delete object; leaving it orphaned")
}

type repository struct {
	reg *Registry
	row *metadb.Repository
}

var _ ocistore.Repository = (*repository)(nil)

func (r *repository) Name() string {
	return r.row.Name
}

func (r *repository) Blobs() ocistore.BlobStore {
	return &blobStore{reg: r.reg}
}

func (r *repository) Manifests() ocistore.ManifestStore {
	return &manifestStore{reg: r.reg, repo: r.row}
}

func (r *repository) Uploads() ocistore.UploadStore {
	return &uploadStore{reg: r.reg, repo: r.row}
}

func (r *repository) Tags(ctx context.Context, n int, last string) ([]string, error) {
	return metadb.ListTags(ctx, r.reg.db.Querier(), r.row.ID, n, last)
}

// blobReader pairs an object stream with its descriptor.
type blobReader struct {
	io.ReadCloser
	desc ocistore.Descriptor
}

func (r *blobReader) Descriptor() ocistore.Descriptor {
	return r.desc
}
