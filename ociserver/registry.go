// Package ociserver serves the docker V2 / OCI distribution protocol
// on top of an [ocistore.RepositoryStore] backend.
//
// The returned handler should be registered at the site root.
package ociserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"ocistore.dev/go/ocistore"
)

// Options holds options for the server.
type Options struct {
	// WriteError is used to write error responses. It is passed the
	// writer to write the error response to, the request that
	// the error is in response to, and the error itself.
	//
	// If WriteError is nil, [ocistore.WriteError] is used and any
	// write error discarded.
	WriteError func(w http.ResponseWriter, req *http.Request, err error)

	// DisableReferrersAPI, when true, causes the registry to behave
	// as if it does not understand the referrers API.
	DisableReferrersAPI bool

	// DisableReferrersFiltering, when true, causes the registry to
	// behave as if it does not recognize the artifactType filter on
	// the referrers API.
	DisableReferrersFiltering bool
}

// New returns a handler which implements the distribution protocol by
// making calls to the backend.
//
// If opts is nil, it's equivalent to passing new(Options).
//
// All error responses are JSON bodies formatted according to the OCI
// spec. If an error returned from the backend conforms to
// [ocistore.Error], its code and detail are used, and the HTTP status
// is determined from the code when possible; otherwise an error
// implementing [ocistore.HTTPError] chooses the status.
func New(backend ocistore.RepositoryStore, opts *Options) http.Handler {
	if opts == nil {
		opts = new(Options)
	}
	r := &registry{
		opts:    *opts,
		backend: backend,
		log:     logrus.WithField("component", "ociserver"),
	}
	if r.opts.WriteError == nil {
		r.opts.WriteError = func(w http.ResponseWriter, _ *http.Request, err error) {
			ocistore.WriteError(w, err)
		}
	}
	return r
}

type registry struct {
	opts    Options
	backend ocistore.RepositoryStore
	log     *logrus.Entry
}

var handlers = [numKinds]func(r *registry, ctx context.Context, w http.ResponseWriter, req *http.Request, rreq *request) error{
	reqPing:               (*registry).handlePing,
	reqBlobGet:            (*registry).handleBlobGet,
	reqBlobHead:           (*registry).handleBlobHead,
	reqBlobDelete:         (*registry).handleBlobDelete,
	reqBlobStartUpload:    (*registry).handleBlobStartUpload,
	reqBlobUploadBlob:     (*registry).handleBlobUploadBlob,
	reqBlobMount:          (*registry).handleBlobMount,
	reqBlobUploadInfo:     (*registry).handleBlobUploadInfo,
	reqBlobUploadChunk:    (*registry).handleBlobUploadChunk,
	reqBlobCompleteUpload: (*registry).handleBlobCompleteUpload,
	reqBlobAbortUpload:    (*registry).handleBlobAbortUpload,
	reqManifestGet:        (*registry).handleManifestGet,
	reqManifestHead:       (*registry).handleManifestHead,
	reqManifestPut:        (*registry).handleManifestPut,
	reqManifestDelete:     (*registry).handleManifestDelete,
	reqTagsList:           (*registry).handleTagsList,
	reqReferrersList:      (*registry).handleReferrersList,
	reqCatalogList:        (*registry).handleCatalogList,
}

func (r *registry) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	if err := r.v2(resp, req); err != nil {
		r.log.WithFields(logrus.Fields{
			"method": req.Method,
			"url":    req.URL.String(),
		}).WithError(err).Debug("request failed")
		r.opts.WriteError(resp, req, err)
	}
}

// https://github.com/opencontainers/distribution-spec/blob/main/spec.md#api-version-check
func (r *registry) v2(resp http.ResponseWriter, req *http.Request) error {
	rreq, err := parseRequest(req.Method, req.URL)
	if err != nil {
		resp.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
		return err
	}
	return handlers[rreq.kind](r, req.Context(), resp, req, rreq)
}

func (r *registry) handlePing(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	resp.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	return nil
}

// repoForRead resolves a repository for endpoints that never create
// one; repoForWrite creates the repository on first push.
func (r *registry) repoForRead(ctx context.Context, rreq *request) (ocistore.Repository, error) {
	return r.backend.Get(ctx, rreq.repo)
}

func (r *registry) repoForWrite(ctx context.Context, rreq *request) (ocistore.Repository, error) {
	return r.backend.GetOrCreate(ctx, rreq.repo)
}

func (r *registry) setLocationHeader(resp http.ResponseWriter, desc ocistore.Descriptor, location string) {
	resp.Header().Set("Location", location)
	resp.Header().Set("Docker-Content-Digest", string(desc.Digest))
}

func blobLocation(repo string, dgst ocistore.Digest) string {
	return "/v2/" + repo + "/blobs/" + string(dgst)
}

func uploadLocation(repo string, uploadID string) string {
	return "/v2/" + repo + "/blobs/uploads/" + uploadID
}

// rangeString formats the Range response header for an upload session
// holding size bytes: an inclusive byte range, "0-0" while empty.
func rangeString(size int64) string {
	if size <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", size-1)
}
