package registry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
	ocispecroot "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore"
)

// mediaTypeDockerManifest and mediaTypeDockerManifestList are the
// Docker schema 2 equivalents of the OCI manifest media types. They
// are accepted on push for compatibility with older clients.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// referrerFetchLimit caps how many manifest bodies are fetched
// concurrently when assembling a referrers index.
const referrerFetchLimit = 8

// manifestStore implements [ocistore.ManifestStore] for one repository.
type manifestStore struct {
	reg  *Registry
	repo *metadb.Repository
}

var _ ocistore.ManifestStore = (*manifestStore)(nil)

func (s *manifestStore) resolve(ctx context.Context, q metadb.Querier, ref ocistore.Ref) (*metadb.Manifest, error) {
	var m *metadb.Manifest
	var err error
	if ref.IsTag() {
		m, err = metadb.GetManifestByTag(ctx, q, s.repo.ID, ref.Tag)
	} else {
		if verr := ref.Digest.Validate(); verr != nil {
			return nil, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, verr)
		}
		m, err = metadb.GetManifestByDigest(ctx, q, s.repo.ID, ref.Digest)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ocistore.ErrManifestUnknown, ref)
	}
	return m, nil
}

func (s *manifestStore) Stat(ctx context.Context, ref ocistore.Ref) (ocistore.Descriptor, error) {
	m, err := s.resolve(ctx, s.reg.db.Querier(), ref)
	if err != nil {
		return ocistore.Descriptor{}, err
	}
	return manifestDescriptor(m), nil
}

func (s *manifestStore) Get(ctx context.Context, ref ocistore.Ref) (ocistore.BlobReader, error) {
	m, err := s.resolve(ctx, s.reg.db.Querier(), ref)
	if err != nil {
		return nil, err
	}
	rc, err := s.reg.objects.Get(ctx, m.BlobID)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ocistore.ErrManifestUnknown, ref)
	}
	if err != nil {
		return nil, err
	}
	return &blobReader{ReadCloser: rc, desc: manifestDescriptor(m)}, nil
}

// Put stores a manifest. The serialized bytes go through the blob
// store first (deduplicated by digest), then the manifest row and its
// associations commit in one transaction.
func (s *manifestStore) Put(ctx context.Context, ref ocistore.Ref, contents []byte, mediaType string) (ocistore.Descriptor, error) {
	dgst := digest.FromBytes(contents)
	if !ref.IsTag() && ref.Digest != dgst {
		return ocistore.Descriptor{}, fmt.Errorf("%w: contents have digest %s, not %s", ocistore.ErrDigestInvalid, dgst, ref.Digest)
	}
	parsed, err := parseManifest(contents, mediaType)
	if err != nil {
		return ocistore.Descriptor{}, err
	}
	blobs := blobStore{reg: s.reg}
	if _, err := blobs.Put(ctx, dgst, int64(len(contents)), bytes.NewReader(contents)); err != nil {
		return ocistore.Descriptor{}, err
	}
	err = metadb.Do(ctx, s.reg.db, func(tx *sql.Tx) error {
		m, err := metadb.GetManifestByDigest(ctx, tx, s.repo.ID, dgst)
		if err != nil {
			return err
		}
		if m == nil {
			b, err := metadb.GetBlobByDigest(ctx, tx, dgst)
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("manifest blob %s vanished", dgst)
			}
			m = &metadb.Manifest{
				RepositoryID:  s.repo.ID,
				BlobID:        b.ID,
				Digest:        dgst,
				Size:          int64(len(contents)),
				MediaType:     nullString(parsed.mediaType),
				ArtifactType:  nullString(parsed.artifactType),
				SubjectDigest: nullString(parsed.subjectDigest()),
			}
			if err := metadb.InsertManifest(ctx, tx, m); err != nil {
				return err
			}
			if err := s.associate(ctx, tx, m, parsed); err != nil {
				return err
			}
		}
		if ref.IsTag() {
			return metadb.UpsertTag(ctx, tx, &metadb.Tag{
				RepositoryID: s.repo.ID,
				Name:         ref.Tag,
				ManifestID:   m.ID,
			})
		}
		return nil
	})
	if err != nil {
		return ocistore.Descriptor{}, err
	}
	return ocistore.Descriptor{
		MediaType:    parsed.mediaType,
		ArtifactType: parsed.artifactType,
		Digest:       dgst,
		Size:         int64(len(contents)),
	}, nil
}

// associate records the manifest's references, verifying each target
// exists. Layer and config references point at blobs; index children
// point at manifests within the same repository.
func (s *manifestStore) associate(ctx context.Context, tx *sql.Tx, m *metadb.Manifest, parsed *parsedManifest) error {
	if parsed.index {
		dgsts := make([]digest.Digest, len(parsed.children))
		for i, d := range parsed.children {
			dgsts[i] = d.Digest
		}
		found, err := metadb.ListManifestsByDigests(ctx, tx, s.repo.ID, dgsts)
		if err != nil {
			return err
		}
		for _, d := range parsed.children {
			child, ok := found[d.Digest]
			if !ok {
				return fmt.Errorf("%w: child manifest %s", ocistore.ErrManifestUnknown, d.Digest)
			}
			if err := metadb.AssociateChild(ctx, tx, m.ID, child.ID); err != nil {
				return err
			}
		}
		return nil
	}
	refs := parsed.layers
	if parsed.config != nil {
		refs = append(refs, *parsed.config)
	}
	dgsts := make([]digest.Digest, len(refs))
	for i, d := range refs {
		dgsts[i] = d.Digest
	}
	found, err := metadb.GetBlobsByDigests(ctx, tx, dgsts)
	if err != nil {
		return err
	}
	for _, d := range refs {
		b, ok := found[d.Digest]
		if !ok {
			return fmt.Errorf("%w: blob %s", ocistore.ErrManifestBlobUnknown, d.Digest)
		}
		if err := metadb.AssociateLayer(ctx, tx, m.ID, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the manifest row, its associations and tags, then
// tries to drop the backing blob. The blob survives when manifest rows
// in other repositories still share it.
func (s *manifestStore) Delete(ctx context.Context, ref ocistore.Ref) error {
	type result struct {
		blobID      string
		blobDeleted bool
	}
	res, err := metadb.Tx(ctx, s.reg.db, func(tx *sql.Tx) (result, error) {
		m, err := s.resolve(ctx, tx, ref)
		if err != nil {
			return result{}, err
		}
		if err := metadb.DissociateManifest(ctx, tx, m.ID); err != nil {
			return result{}, err
		}
		if err := metadb.DeleteTagsByManifest(ctx, tx, m.ID); err != nil {
			return result{}, err
		}
		if err := metadb.DeleteManifest(ctx, tx, m.ID); err != nil {
			if errors.Is(err, metadb.ErrReferenced) {
				return result{}, fmt.Errorf("%w: manifest %s is referenced by an index", ocistore.ErrContentReferenced, ref)
			}
			return result{}, err
		}
		res := result{blobID: m.BlobID}
		if err := metadb.DeleteBlob(ctx, tx, m.BlobID); err != nil {
			if !errors.Is(err, metadb.ErrReferenced) {
				return result{}, err
			}
			// The same manifest bytes exist in another
			// repository; keep the shared blob.
		} else {
			res.blobDeleted = true
		}
		return res, nil
	})
	if err != nil {
		return err
	}
	if res.blobDeleted {
		s.reg.deleteObject(ctx, res.blobID)
	}
	return nil
}

// Referrers assembles an image index of the manifests whose subject is
// dgst. Annotations live only in the manifest bodies, so the bodies of
// all matches are fetched, concurrently but bounded.
func (s *manifestStore) Referrers(ctx context.Context, dgst ocistore.Digest, artifactType string) (ocispec.Index, error) {
	index := ocispec.Index{
		Versioned: ocispecroot.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{},
	}
	if err := dgst.Validate(); err != nil {
		return index, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	ms, err := metadb.GetReferrers(ctx, s.reg.db.Querier(), s.repo.ID, dgst, artifactType)
	if err != nil {
		return index, err
	}
	descs := make([]ocispec.Descriptor, len(ms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(referrerFetchLimit)
	for i, m := range ms {
		i, m := i, m
		g.Go(func() error {
			desc := manifestDescriptor(m)
			rc, err := s.reg.objects.Get(gctx, m.BlobID)
			if err != nil {
				return fmt.Errorf("cannot fetch referrer %s: %w", m.Digest, err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				return err
			}
			var body struct {
				Annotations map[string]string `json:"annotations"`
			}
			if err := json.Unmarshal(data, &body); err == nil {
				desc.Annotations = body.Annotations
			}
			descs[i] = desc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return index, err
	}
	// GetReferrers returns rows ordered by digest, so descs is too.
	index.Manifests = descs
	return index, nil
}

func manifestDescriptor(m *metadb.Manifest) ocistore.Descriptor {
	return ocistore.Descriptor{
		MediaType:    m.MediaType.String,
		ArtifactType: m.ArtifactType.String,
		Digest:       m.Digest,
		Size:         m.Size,
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// parsedManifest is the subset of a manifest body the registry acts
// on: its kind, effective media and artifact types, and the content it
// references.
type parsedManifest struct {
	index        bool
	mediaType    string
	artifactType string
	subject      *ocispec.Descriptor
	config       *ocispec.Descriptor
	layers       []ocispec.Descriptor
	children     []ocispec.Descriptor
}

func (p *parsedManifest) subjectDigest() string {
	if p.subject == nil {
		return ""
	}
	return p.subject.Digest.String()
}

// parseManifest decodes contents as an OCI image manifest or image
// index. The effective media type is the body's own mediaType field
// when present, else the transport contentType, else inferred from the
// body's shape.
func parseManifest(contents []byte, contentType string) (*parsedManifest, error) {
	var probe struct {
		MediaType string          `json:"mediaType"`
		Manifests json.RawMessage `json:"manifests"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(contents, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ocistore.ErrManifestInvalid, err)
	}
	mediaType := probe.MediaType
	if mediaType == "" && contentType != "" && contentType != "application/octet-stream" {
		mediaType = contentType
	}
	isIndex := mediaType == ocispec.MediaTypeImageIndex ||
		mediaType == mediaTypeDockerManifestList ||
		(mediaType == "" && probe.Manifests != nil && probe.Config == nil)
	if isIndex {
		var idx ocispec.Index
		if err := json.Unmarshal(contents, &idx); err != nil {
			return nil, fmt.Errorf("%w: %v", ocistore.ErrManifestInvalid, err)
		}
		if mediaType == "" {
			mediaType = ocispec.MediaTypeImageIndex
		}
		p := &parsedManifest{
			index:        true,
			mediaType:    mediaType,
			artifactType: idx.ArtifactType,
			subject:      idx.Subject,
			children:     idx.Manifests,
		}
		for _, d := range p.children {
			if err := d.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("%w: child digest %q", ocistore.ErrManifestInvalid, d.Digest)
			}
		}
		return p, nil
	}
	var img ocispec.Manifest
	if err := json.Unmarshal(contents, &img); err != nil {
		return nil, fmt.Errorf("%w: %v", ocistore.ErrManifestInvalid, err)
	}
	if mediaType == "" {
		// Infer only when the body is unambiguous about being an
		// image manifest.
		switch {
		case img.ArtifactType != "":
			mediaType = ocispec.MediaTypeImageManifest
		case img.Config.MediaType == ocispec.MediaTypeImageConfig:
			mediaType = ocispec.MediaTypeImageManifest
		default:
			return nil, fmt.Errorf("%w: cannot determine media type", ocistore.ErrManifestInvalid)
		}
	}
	artifactType := img.ArtifactType
	if artifactType == "" && img.Config.MediaType != ocispec.MediaTypeImageConfig {
		artifactType = img.Config.MediaType
	}
	config := img.Config
	if err := config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: config digest %q", ocistore.ErrManifestInvalid, config.Digest)
	}
	for _, d := range img.Layers {
		if err := d.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: layer digest %q", ocistore.ErrManifestInvalid, d.Digest)
		}
	}
	return &parsedManifest{
		mediaType:    mediaType,
		artifactType: artifactType,
		subject:      img.Subject,
		config:       &config,
		layers:       img.Layers,
	}, nil
}
