package ociserver

import (
	"context"
	"net/http"

	"ocistore.dev/go/ocistore"
)

func (r *registry) handleBlobDelete(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	if err := repo.Blobs().Delete(ctx, ocistore.Digest(rreq.digest)); err != nil {
		return err
	}
	resp.WriteHeader(http.StatusAccepted)
	return nil
}

func (r *registry) handleBlobAbortUpload(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	if err := repo.Uploads().Abort(ctx, rreq.uploadID); err != nil {
		return err
	}
	resp.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *registry) handleManifestDelete(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	if err := repo.Manifests().Delete(ctx, manifestRef(rreq)); err != nil {
		return err
	}
	resp.WriteHeader(http.StatusAccepted)
	return nil
}
