package registry

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"ocistore.dev/go/ocistore"
	"ocistore.dev/go/ocistore/internal/streamutil"
	"ocistore.dev/go/ocistore/metadb"
	"ocistore.dev/go/ocistore/objstore"

	"github.com/google/uuid"
)

// blobWriter implements [ocistore.BlobWriter] for one upload session.
// Each Write/WriteChunked call runs in its own transaction: part
// uploads, chunk rows and the session update commit together, so a
// crashed request leaves the session at its previous committed state.
type blobWriter struct {
	reg       *Registry
	session   *metadb.UploadSession
	digesters streamutil.Digesters
}

var _ ocistore.BlobWriter = (*blobWriter)(nil)

func (w *blobWriter) ID() string {
	return w.session.UUID
}

func (w *blobWriter) Size() int64 {
	return w.session.CommittedBytes
}

func (w *blobWriter) key() string {
	return sessionKey(w.session.UUID)
}

// ensureUpload starts the multipart upload before the first part.
// Sessions that never see data keep UploadID null and commit through a
// plain put.
func (w *blobWriter) ensureUpload(ctx context.Context) error {
	if w.session.UploadID.Valid {
		return nil
	}
	id, err := w.reg.objects.CreateMultipart(ctx, w.key())
	if err != nil {
		return fmt.Errorf("cannot start multipart upload: %w", err)
	}
	w.session.UploadID = sql.NullString{String: id, Valid: true}
	return nil
}

// Write appends one chunk of known size as a single part.
func (w *blobWriter) Write(ctx context.Context, size int64, content io.Reader) error {
	return metadb.Do(ctx, w.reg.db, func(tx *sql.Tx) error {
		cr := &countReader{r: io.TeeReader(content, w.digesters.Writer())}
		if err := w.appendPart(ctx, tx, size, cr); err != nil {
			return err
		}
		if cr.n != size {
			return fmt.Errorf("%w: got %d bytes, expected %d", ocistore.ErrSizeInvalid, cr.n, size)
		}
		return w.save(ctx, tx)
	})
}

// WriteChunked appends a stream of unknown length, re-buffering it
// into fixed-size parts so the backend's minimum part size holds.
func (w *blobWriter) WriteChunked(ctx context.Context, content io.Reader) error {
	return metadb.Do(ctx, w.reg.db, func(tx *sql.Tx) error {
		chunker := streamutil.NewRechunker(io.TeeReader(content, w.digesters.Writer()), streamutil.DefaultChunkSize)
		for {
			piece, err := chunker.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := w.appendPart(ctx, tx, int64(len(piece)), bytes.NewReader(piece)); err != nil {
				return err
			}
		}
		return w.save(ctx, tx)
	})
}

// appendPart uploads the next part and records its chunk row. The
// session fields are advanced in memory; save persists them.
func (w *blobWriter) appendPart(ctx context.Context, tx *sql.Tx, size int64, content io.Reader) error {
	if err := w.ensureUpload(ctx); err != nil {
		return err
	}
	number := int32(w.session.ChunkNumber)
	part, err := w.reg.objects.UploadPart(ctx, w.key(), w.session.UploadID.String, number, size, content)
	if err != nil {
		return fmt.Errorf("cannot upload part %d: %w", number, err)
	}
	chunk := &metadb.UploadChunk{
		SessionUUID: w.session.UUID,
		ChunkNumber: w.session.ChunkNumber,
		ETag:        sql.NullString{String: part.ETag, Valid: part.ETag != ""},
	}
	if err := metadb.InsertUploadChunk(ctx, tx, chunk); err != nil {
		return err
	}
	w.session.ChunkNumber++
	w.session.CommittedBytes += size
	return nil
}

func (w *blobWriter) save(ctx context.Context, tx *sql.Tx) error {
	state, err := w.digesters.Marshal()
	if err != nil {
		return err
	}
	w.session.DigestState = state
	return metadb.UpdateUploadSession(ctx, tx, w.session)
}

// Commit finalizes the session against the digest the client claims.
// On success the composed object lands under the blob's id and the
// session disappears; on digest mismatch the session is destroyed and
// nothing is kept.
func (w *blobWriter) Commit(ctx context.Context, dgst ocistore.Digest) (ocistore.Descriptor, error) {
	if err := dgst.Validate(); err != nil {
		return ocistore.Descriptor{}, fmt.Errorf("%w: %v", ocistore.ErrDigestInvalid, err)
	}
	digester, ok := w.digesters[dgst.Algorithm()]
	if !ok {
		return ocistore.Descriptor{}, fmt.Errorf("%w: unsupported algorithm %s", ocistore.ErrDigestInvalid, dgst.Algorithm())
	}
	if got := digester.Digest(); got != dgst {
		w.destroy(ctx)
		return ocistore.Descriptor{}, fmt.Errorf("%w: uploaded content has digest %s, not %s", ocistore.ErrDigestInvalid, got, dgst)
	}
	return metadb.Tx(ctx, w.reg.db, func(tx *sql.Tx) (ocistore.Descriptor, error) {
		b, err := metadb.GetBlobByDigest(ctx, tx, dgst)
		if err != nil {
			return ocistore.Descriptor{}, err
		}
		if b == nil {
			b = &metadb.Blob{
				ID:     uuid.NewString(),
				Digest: dgst,
				Size:   w.session.CommittedBytes,
			}
			if err := metadb.InsertBlob(ctx, tx, b); err != nil {
				return ocistore.Descriptor{}, err
			}
		}
		exists, err := w.reg.objects.Exists(ctx, b.ID)
		if err != nil {
			return ocistore.Descriptor{}, err
		}
		switch {
		case exists && w.session.UploadID.Valid:
			// Content arrived through another session first;
			// drop the redundant parts.
			err := w.reg.objects.AbortMultipart(ctx, w.key(), w.session.UploadID.String)
			if err != nil {
				w.reg.log.WithField("session", w.session.UUID).WithError(err).Warn("cannot abort redundant multipart upload")
			}
		case !exists && w.session.UploadID.Valid:
			chunks, err := metadb.ListUploadChunks(ctx, tx, w.session.UUID)
			if err != nil {
				return ocistore.Descriptor{}, err
			}
			parts := make([]objstore.Part, len(chunks))
			for i, c := range chunks {
				parts[i] = objstore.Part{
					Number: int32(c.ChunkNumber),
					ETag:   c.ETag.String,
				}
			}
			err = w.reg.objects.CompleteMultipart(ctx, w.key(), w.session.UploadID.String, parts, b.ID)
			if err != nil {
				return ocistore.Descriptor{}, fmt.Errorf("cannot complete multipart upload: %w", err)
			}
		case !exists:
			// No data was ever written: only the digest of the
			// empty blob can have passed verification above.
			err := w.reg.objects.Put(ctx, b.ID, 0, bytes.NewReader(nil))
			if err != nil {
				return ocistore.Descriptor{}, err
			}
		}
		if err := metadb.DeleteUploadSession(ctx, tx, w.session.UUID); err != nil {
			return ocistore.Descriptor{}, err
		}
		return blobDescriptor(b), nil
	})
}

// destroy tears the session down after a failed verification.
func (w *blobWriter) destroy(ctx context.Context) {
	if w.session.UploadID.Valid {
		err := w.reg.objects.AbortMultipart(ctx, w.key(), w.session.UploadID.String)
		if err != nil {
			w.reg.log.WithField("session", w.session.UUID).WithError(err).Warn("cannot abort multipart upload")
		}
	}
	if err := metadb.DeleteUploadSession(ctx, w.reg.db.Querier(), w.session.UUID); err != nil {
		w.reg.log.WithField("session", w.session.UUID).WithError(err).Warn("cannot delete upload session")
	}
}

type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
