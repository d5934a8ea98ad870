package ociserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"ocistore.dev/go/ocistore"
)

func (r *registry) handleBlobStartUpload(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForWrite(ctx, rreq)
	if err != nil {
		return err
	}
	w, err := repo.Uploads().Begin(ctx)
	if err != nil {
		return err
	}
	resp.Header().Set("Location", uploadLocation(rreq.repo, w.ID()))
	resp.Header().Set("Docker-Upload-UUID", w.ID())
	resp.Header().Set("Range", rangeString(0))
	resp.WriteHeader(http.StatusAccepted)
	return nil
}

func (r *registry) handleBlobUploadBlob(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	if req.ContentLength < 0 {
		return fmt.Errorf("%w: single-post blob upload requires a Content-Length", ocistore.ErrSizeInvalid)
	}
	repo, err := r.repoForWrite(ctx, rreq)
	if err != nil {
		return err
	}
	desc, err := repo.Blobs().Put(ctx, ocistore.Digest(rreq.digest), req.ContentLength, req.Body)
	if err != nil {
		return err
	}
	r.setLocationHeader(resp, desc, blobLocation(rreq.repo, desc.Digest))
	resp.WriteHeader(http.StatusCreated)
	return nil
}

// handleBlobMount implements cross-repository mounting. Since blob
// content is shared globally, mounting reduces to an existence check;
// when the blob (or the source repository) is missing the server falls
// back to starting a regular upload, as the distribution spec requires.
func (r *registry) handleBlobMount(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForWrite(ctx, rreq)
	if err != nil {
		return err
	}
	if _, err := r.backend.Get(ctx, rreq.fromRepo); err != nil {
		if errors.Is(err, ocistore.ErrNameUnknown) {
			return r.handleBlobStartUpload(ctx, resp, req, rreq)
		}
		return err
	}
	desc, err := repo.Blobs().Stat(ctx, ocistore.Digest(rreq.digest))
	if err != nil {
		if errors.Is(err, ocistore.ErrBlobUnknown) {
			return r.handleBlobStartUpload(ctx, resp, req, rreq)
		}
		return err
	}
	r.setLocationHeader(resp, desc, blobLocation(rreq.repo, desc.Digest))
	resp.WriteHeader(http.StatusCreated)
	return nil
}

// The endpoints addressing an existing session resolve the repository
// read-only: the session's starting POST already created it, so an
// unknown repository here is a client error, not a repository to make.
func (r *registry) handleBlobUploadInfo(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	// Resume without a range check to retrieve the session state.
	w, err := repo.Uploads().Resume(ctx, rreq.uploadID, -1)
	if err != nil {
		return err
	}
	resp.Header().Set("Location", uploadLocation(rreq.repo, w.ID()))
	resp.Header().Set("Docker-Upload-UUID", w.ID())
	resp.Header().Set("Range", rangeString(w.Size()))
	resp.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *registry) handleBlobUploadChunk(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	// The distribution spec requires chunked upload PATCH requests to include
	// Content-Range, but not all clients send it; a missing header
	// means "append at the current offset".
	start, length, haveRange, err := contentRange(req)
	if err != nil {
		return err
	}
	resumeStart := int64(-1)
	if haveRange {
		resumeStart = start
	}
	w, err := repo.Uploads().Resume(ctx, rreq.uploadID, resumeStart)
	if err != nil {
		return err
	}
	if err := copyChunk(ctx, w, req, length, haveRange); err != nil {
		return err
	}
	resp.Header().Set("Location", uploadLocation(rreq.repo, w.ID()))
	resp.Header().Set("Docker-Upload-UUID", w.ID())
	resp.Header().Set("Range", rangeString(w.Size()))
	resp.WriteHeader(http.StatusAccepted)
	return nil
}

func (r *registry) handleBlobCompleteUpload(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	// The closing PUT is one of:
	//
	// 1) the whole blob after a bare POST,
	// 2) the last chunk of a chunked upload, with a Content-Range,
	// 3) an empty-bodied PUT closing a finished chunked upload.
	//
	// These can't be told apart upfront, so the range start is
	// forwarded when present and the body copied only when non-empty.
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	start, length, haveRange, err := contentRange(req)
	if err != nil {
		return err
	}
	resumeStart := int64(-1)
	if haveRange {
		resumeStart = start
	}
	w, err := repo.Uploads().Resume(ctx, rreq.uploadID, resumeStart)
	if err != nil {
		return err
	}
	if req.ContentLength != 0 {
		if err := copyChunk(ctx, w, req, length, haveRange); err != nil {
			return err
		}
	}
	desc, err := w.Commit(ctx, ocistore.Digest(rreq.digest))
	if err != nil {
		return err
	}
	r.setLocationHeader(resp, desc, blobLocation(rreq.repo, desc.Digest))
	resp.WriteHeader(http.StatusCreated)
	return nil
}

// copyChunk appends the request body to the upload, preferring a
// single sized write when the length is known.
func copyChunk(ctx context.Context, w ocistore.BlobWriter, req *http.Request, length int64, haveRange bool) error {
	if haveRange && req.ContentLength >= 0 && length != req.ContentLength {
		return fmt.Errorf("%w: Content-Range implies a length of %d but Content-Length is %d", ocistore.ErrRangeInvalid, length, req.ContentLength)
	}
	switch {
	case haveRange:
		return w.Write(ctx, length, req.Body)
	case req.ContentLength >= 0:
		return w.Write(ctx, req.ContentLength, req.Body)
	default:
		return w.WriteChunked(ctx, req.Body)
	}
}

func (r *registry) handleManifestPut(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForWrite(ctx, rreq)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("cannot read content: %v", err)
	}
	desc, err := repo.Manifests().Put(ctx, manifestRef(rreq), data, req.Header.Get("Content-Type"))
	if err != nil {
		return err
	}
	r.setLocationHeader(resp, desc, "/v2/"+rreq.repo+"/manifests/"+string(desc.Digest))
	if subject := subjectFromManifest(data); subject != "" {
		resp.Header().Set("OCI-Subject", subject)
	}
	resp.WriteHeader(http.StatusCreated)
	return nil
}

// subjectFromManifest extracts the subject digest, if any, from
// manifest data that has already been validated by the backend.
func subjectFromManifest(data []byte) string {
	var m struct {
		Subject *ocistore.Descriptor `json:"subject"`
	}
	if err := json.Unmarshal(data, &m); err != nil || m.Subject == nil {
		return ""
	}
	return string(m.Subject.Digest)
}

// contentRange parses the Content-Range header as used by the chunked
// upload endpoints: "<start>-<end>" with an inclusive end offset.
// haveRange is false when the header is absent.
func contentRange(req *http.Request) (start, length int64, haveRange bool, _ error) {
	s := req.Header.Get("Content-Range")
	if s == "" {
		return 0, 0, false, nil
	}
	startStr, endStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: malformed Content-Range %q", ocistore.ErrRangeInvalid, s)
	}
	start, err1 := strconv.ParseInt(startStr, 10, 64)
	end, err2 := strconv.ParseInt(endStr, 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start-1 {
		return 0, 0, false, fmt.Errorf("%w: malformed Content-Range %q", ocistore.ErrRangeInvalid, s)
	}
	return start, end - start + 1, true, nil
}
