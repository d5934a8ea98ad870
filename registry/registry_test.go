package registry_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore/memstore"
	"ocistore.dev/go/ocistore/registry"
)

const helloDigest = ocistore.Digest("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")

func newRegistry(t *testing.T) (*registry.Registry, *memstore.Store) {
	t.Helper()
	db, err := metadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	qt.Assert(t, qt.IsNil(err))
	t.Cleanup(func() {
		db.Close()
	})
	store := memstore.New()
	return registry.New(db, store), store
}

func mustRepo(t *testing.T, reg *registry.Registry, name string) ocistore.Repository {
	t.Helper()
	repo, err := reg.GetOrCreate(context.Background(), name)
	qt.Assert(t, qt.IsNil(err))
	return repo
}

func TestRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Get(ctx, "no/such/repo")
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrNameUnknown))

	_, err = reg.Get(ctx, "Not a valid name!")
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrNameInvalid))

	mustRepo(t, reg, "foo/bar")
	repo, err := reg.Get(ctx, "foo/bar")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(repo.Name(), "foo/bar"))

	mustRepo(t, reg, "aaa")
	names, err := reg.Repositories(ctx, 0, "")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(names, []string{"aaa", "foo/bar"}))
}

func TestBlobPut(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	desc, err := repo.Blobs().Put(ctx, helloDigest, 5, strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, helloDigest))
	qt.Assert(t, qt.Equals(desc.Size, int64(5)))

	got, err := repo.Blobs().Stat(ctx, helloDigest)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(got.Size, int64(5)))

	rc, err := repo.Blobs().Get(ctx, helloDigest)
	qt.Assert(t, qt.IsNil(err))
	data, err := io.ReadAll(rc)
	qt.Assert(t, qt.IsNil(err))
	rc.Close()
	qt.Assert(t, qt.Equals(string(data), "hello"))

	// Pushing the same content again is a no-op.
	_, err = repo.Blobs().Put(ctx, helloDigest, 5, strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))

	// Blobs are global: another repository sees the same content.
	other := mustRepo(t, reg, "bar")
	_, err = other.Blobs().Stat(ctx, helloDigest)
	qt.Assert(t, qt.IsNil(err))
}

func TestBlobPutDigestMismatch(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	_, err := repo.Blobs().Put(ctx, helloDigest, 5, strings.NewReader("XXXXX"))
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrDigestInvalid))

	// Nothing became visible.
	_, err = repo.Blobs().Stat(ctx, helloDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUnknown))
}

func TestChunkedUpload(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(w.Size(), int64(0)))

	err = w.Write(ctx, 6, strings.NewReader("hello "))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(w.Size(), int64(6)))

	// An out-of-order chunk is rejected without disturbing the session.
	_, err = repo.Uploads().Resume(ctx, w.ID(), 3)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrRangeInvalid))

	w2, err := repo.Uploads().Resume(ctx, w.ID(), 6)
	qt.Assert(t, qt.IsNil(err))
	err = w2.Write(ctx, 5, strings.NewReader("world"))
	qt.Assert(t, qt.IsNil(err))

	wantDigest := digest.FromString("hello world")
	desc, err := w2.Commit(ctx, wantDigest)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, wantDigest))
	qt.Assert(t, qt.Equals(desc.Size, int64(11)))

	rc, err := repo.Blobs().Get(ctx, wantDigest)
	qt.Assert(t, qt.IsNil(err))
	data, err := io.ReadAll(rc)
	qt.Assert(t, qt.IsNil(err))
	rc.Close()
	qt.Assert(t, qt.Equals(string(data), "hello world"))

	// The session is gone after commit.
	_, err = repo.Uploads().Resume(ctx, w.ID(), -1)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUploadUnknown))
}

func TestChunkedUploadSHA512Commit(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	err = w.WriteChunked(ctx, strings.NewReader("hello world"))
	qt.Assert(t, qt.IsNil(err))

	desc, err := w.Commit(ctx, digest.SHA512.FromString("hello world"))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Size, int64(11)))
}

func TestCommitDigestMismatchDestroysSession(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	err = w.Write(ctx, 5, strings.NewReader("other"))
	qt.Assert(t, qt.IsNil(err))

	_, err = w.Commit(ctx, helloDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrDigestInvalid))

	_, err = repo.Uploads().Resume(ctx, w.ID(), -1)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUploadUnknown))
}

func TestUploadAbort(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	err = w.Write(ctx, 5, strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))

	qt.Assert(t, qt.IsNil(repo.Uploads().Abort(ctx, w.ID())))
	_, err = repo.Uploads().Resume(ctx, w.ID(), -1)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUploadUnknown))

	err = repo.Uploads().Abort(ctx, "no-such-session")
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUploadUnknown))
}

func TestEmptyUploadCommit(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	desc, err := w.Commit(ctx, digest.FromString(""))
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Size, int64(0)))

	_, err = repo.Blobs().Stat(ctx, digest.FromString(""))
	qt.Assert(t, qt.IsNil(err))
}

func TestCommitDeduplicates(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	_, err := repo.Blobs().Put(ctx, helloDigest, 5, strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))

	w, err := repo.Uploads().Begin(ctx)
	qt.Assert(t, qt.IsNil(err))
	err = w.Write(ctx, 5, strings.NewReader("hello"))
	qt.Assert(t, qt.IsNil(err))
	desc, err := w.Commit(ctx, helloDigest)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, helloDigest))
}

// pushImage pushes a config and one layer, then a manifest referencing
// them, returning the manifest data and its digest.
func pushImage(t *testing.T, repo ocistore.Repository, tag string, layerContent string) ([]byte, ocistore.Digest) {
	t.Helper()
	ctx := context.Background()

	configData := []byte(`{}`)
	configDesc := ocistore.Descriptor{
		MediaType: ocispec.MediaTypeImageConfig,
		Digest:    digest.FromBytes(configData),
		Size:      int64(len(configData)),
	}
	_, err := repo.Blobs().Put(ctx, configDesc.Digest, configDesc.Size, bytes.NewReader(configData))
	qt.Assert(t, qt.IsNil(err))

	layerDesc := ocistore.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    digest.FromString(layerContent),
		Size:      int64(len(layerContent)),
	}
	_, err = repo.Blobs().Put(ctx, layerDesc.Digest, layerDesc.Size, strings.NewReader(layerContent))
	qt.Assert(t, qt.IsNil(err))

	data, err := json.Marshal(ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    []ocispec.Descriptor{layerDesc},
	})
	qt.Assert(t, qt.IsNil(err))

	ref := ocistore.Ref{Digest: digest.FromBytes(data)}
	if tag != "" {
		ref = ocistore.Ref{Tag: tag}
	}
	desc, err := repo.Manifests().Put(ctx, ref, data, ocispec.MediaTypeImageManifest)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, digest.FromBytes(data)))
	return data, desc.Digest
}

func TestManifestPutGet(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	data, dgst := pushImage(t, repo, "latest", "layer content")

	desc, err := repo.Manifests().Stat(ctx, ocistore.Ref{Tag: "latest"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, dgst))
	qt.Assert(t, qt.Equals(desc.MediaType, ocispec.MediaTypeImageManifest))

	rc, err := repo.Manifests().Get(ctx, ocistore.Ref{Digest: dgst})
	qt.Assert(t, qt.IsNil(err))
	got, err := io.ReadAll(rc)
	qt.Assert(t, qt.IsNil(err))
	rc.Close()
	qt.Assert(t, qt.IsTrue(bytes.Equal(got, data)))

	tags, err := repo.Tags(ctx, 0, "")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(tags, []string{"latest"}))
}

func TestManifestPutMissingLayer(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	data, err := json.Marshal(ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocistore.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromString("absent config"),
			Size:      3,
		},
		Layers: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromString("absent layer"),
			Size:      3,
		}},
	})
	qt.Assert(t, qt.IsNil(err))

	_, err = repo.Manifests().Put(ctx, ocistore.Ref{Tag: "latest"}, data, ocispec.MediaTypeImageManifest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestBlobUnknown))

	// The manifest did not become visible.
	_, err = repo.Manifests().Stat(ctx, ocistore.Ref{Digest: digest.FromBytes(data)})
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestUnknown))
	_, err = repo.Manifests().Stat(ctx, ocistore.Ref{Tag: "latest"})
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestUnknown))
}

func TestManifestPutByDigestMismatch(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	_, err := repo.Manifests().Put(ctx, ocistore.Ref{Digest: helloDigest}, []byte(`{"mediaType":"application/vnd.oci.image.manifest.v1+json"}`), "")
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrDigestInvalid))
}

func TestManifestInvalidJSON(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	_, err := repo.Manifests().Put(ctx, ocistore.Ref{Tag: "latest"}, []byte(`{not json`), ocispec.MediaTypeImageManifest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestInvalid))
}

func TestIndexPut(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	childData, childDigest := pushImage(t, repo, "", "child layer")

	indexData, err := json.Marshal(ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    childDigest,
			Size:      int64(len(childData)),
		}},
	})
	qt.Assert(t, qt.IsNil(err))

	desc, err := repo.Manifests().Put(ctx, ocistore.Ref{Tag: "multi"}, indexData, ocispec.MediaTypeImageIndex)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.MediaType, ocispec.MediaTypeImageIndex))

	// A child manifest referenced by an index cannot be deleted.
	err = repo.Manifests().Delete(ctx, ocistore.Ref{Digest: childDigest})
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrContentReferenced))

	// Deleting the index first releases the child.
	qt.Assert(t, qt.IsNil(repo.Manifests().Delete(ctx, ocistore.Ref{Tag: "multi"})))
	qt.Assert(t, qt.IsNil(repo.Manifests().Delete(ctx, ocistore.Ref{Digest: childDigest})))
}

func TestIndexPutMissingChild(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	indexData, err := json.Marshal(ocispec.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{{
			MediaType: ocispec.MediaTypeImageManifest,
			Digest:    digest.FromString("no such child"),
			Size:      3,
		}},
	})
	qt.Assert(t, qt.IsNil(err))

	_, err = repo.Manifests().Put(ctx, ocistore.Ref{Tag: "multi"}, indexData, ocispec.MediaTypeImageIndex)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestUnknown))
}

func TestTagRetargeting(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	_, first := pushImage(t, repo, "latest", "first")
	_, second := pushImage(t, repo, "latest", "second")
	qt.Assert(t, qt.Not(qt.Equals(first, second)))

	desc, err := repo.Manifests().Stat(ctx, ocistore.Ref{Tag: "latest"})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(desc.Digest, second))

	// Only one tag exists; the first manifest is still reachable by digest.
	tags, err := repo.Tags(ctx, 0, "")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.DeepEquals(tags, []string{"latest"}))
	_, err = repo.Manifests().Stat(ctx, ocistore.Ref{Digest: first})
	qt.Assert(t, qt.IsNil(err))
}

func TestBlobDeleteReferenced(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	layerContent := "delete me later"
	layerDigest := digest.FromString(layerContent)
	_, manifestDigest := pushImage(t, repo, "latest", layerContent)

	// The layer is protected while the manifest references it.
	err := repo.Blobs().Delete(ctx, layerDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrContentReferenced))

	qt.Assert(t, qt.IsNil(repo.Manifests().Delete(ctx, ocistore.Ref{Digest: manifestDigest})))
	_, err = repo.Manifests().Stat(ctx, ocistore.Ref{Tag: "latest"})
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrManifestUnknown))

	qt.Assert(t, qt.IsNil(repo.Blobs().Delete(ctx, layerDigest)))
	_, err = repo.Blobs().Stat(ctx, layerDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUnknown))
	_, err = repo.Blobs().Get(ctx, layerDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUnknown))

	err = repo.Blobs().Delete(ctx, layerDigest)
	qt.Assert(t, qt.ErrorIs(err, ocistore.ErrBlobUnknown))
}

func TestReferrers(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repo := mustRepo(t, reg, "foo")

	subjectData, subjectDigest := pushImage(t, repo, "latest", "subject layer")

	pushReferrer := func(artifactType, note string) ocistore.Digest {
		data, err := json.Marshal(ocispec.Manifest{
			MediaType:    ocispec.MediaTypeImageManifest,
			ArtifactType: artifactType,
			Config: ocistore.Descriptor{
				MediaType: ocispec.MediaTypeEmptyJSON,
				Digest:    digest.FromString("{}"),
				Size:      2,
			},
			Subject: &ocistore.Descriptor{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    subjectDigest,
				Size:      int64(len(subjectData)),
			},
			Annotations: map[string]string{"note": note},
		})
		qt.Assert(t, qt.IsNil(err))
		_, err = repo.Blobs().Put(ctx, digest.FromString("{}"), 2, strings.NewReader("{}"))
		qt.Assert(t, qt.IsNil(err))
		desc, err := repo.Manifests().Put(ctx, ocistore.Ref{Digest: digest.FromBytes(data)}, data, ocispec.MediaTypeImageManifest)
		qt.Assert(t, qt.IsNil(err))
		return desc.Digest
	}

	sig := pushReferrer("application/example.signature", "sig")
	sbom := pushReferrer("application/example.sbom", "sbom")

	index, err := repo.Manifests().Referrers(ctx, subjectDigest, "")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(index.MediaType, ocispec.MediaTypeImageIndex))
	qt.Assert(t, qt.Equals(len(index.Manifests), 2))
	qt.Assert(t, qt.IsTrue(index.Manifests[0].Digest < index.Manifests[1].Digest))
	for _, d := range index.Manifests {
		qt.Assert(t, qt.IsTrue(d.Digest == sig || d.Digest == sbom))
		qt.Assert(t, qt.IsNotNil(d.Annotations))
	}

	filtered, err := repo.Manifests().Referrers(ctx, subjectDigest, "application/example.sbom")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(len(filtered.Manifests), 1))
	qt.Assert(t, qt.Equals(filtered.Manifests[0].Digest, sbom))
	qt.Assert(t, qt.Equals(filtered.Manifests[0].ArtifactType, "application/example.sbom"))

	// A subject with no referrers yields an empty, non-nil list.
	empty, err := repo.Manifests().Referrers(ctx, digest.FromString("lonely"), "")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNotNil(empty.Manifests))
	qt.Assert(t, qt.Equals(len(empty.Manifests), 0))
}

func TestManifestSharedAcrossRepos(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	repoA := mustRepo(t, reg, "a")
	repoB := mustRepo(t, reg, "b")

	dataA, dgst := pushImage(t, repoA, "latest", "shared layer")

	// Push the identical manifest to another repository; the blob rows
	// are shared, the manifest row is per-repository.
	_, err := repoB.Manifests().Put(ctx, ocistore.Ref{Tag: "latest"}, dataA, ocispec.MediaTypeImageManifest)
	qt.Assert(t, qt.IsNil(err))

	// Deleting from one repository leaves the other intact.
	qt.Assert(t, qt.IsNil(repoA.Manifests().Delete(ctx, ocistore.Ref{Digest: dgst})))
	_, err = repoB.Manifests().Stat(ctx, ocistore.Ref{Digest: dgst})
	qt.Assert(t, qt.IsNil(err))
	rc, err := repoB.Manifests().Get(ctx, ocistore.Ref{Tag: "latest"})
	qt.Assert(t, qt.IsNil(err))
	rc.Close()
}
