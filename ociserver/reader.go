package ociserver

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"ocistore.dev/go/ocistore"
)

func (r *registry) handleBlobHead(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	desc, err := repo.Blobs().Stat(ctx, ocistore.Digest(rreq.digest))
	if err != nil {
		return err
	}
	resp.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	resp.Header().Set("Docker-Content-Digest", string(desc.Digest))
	resp.WriteHeader(http.StatusOK)
	return nil
}

func (r *registry) handleBlobGet(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	blob, err := repo.Blobs().Get(ctx, ocistore.Digest(rreq.digest))
	if err != nil {
		return err
	}
	defer blob.Close()
	desc := blob.Descriptor()
	resp.Header().Set("Content-Type", desc.MediaType)
	resp.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	resp.Header().Set("Docker-Content-Digest", rreq.digest)
	resp.WriteHeader(http.StatusOK)
	io.Copy(resp, blob)
	return nil
}

func (r *registry) handleManifestGet(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	mr, err := repo.Manifests().Get(ctx, manifestRef(rreq))
	if err != nil {
		return err
	}
	defer mr.Close()
	desc := mr.Descriptor()
	resp.Header().Set("Docker-Content-Digest", string(desc.Digest))
	resp.Header().Set("Content-Type", desc.MediaType)
	resp.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	resp.WriteHeader(http.StatusOK)
	io.Copy(resp, mr)
	return nil
}

func (r *registry) handleManifestHead(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	desc, err := repo.Manifests().Stat(ctx, manifestRef(rreq))
	if err != nil {
		return err
	}
	resp.Header().Set("Docker-Content-Digest", string(desc.Digest))
	resp.Header().Set("Content-Type", desc.MediaType)
	resp.Header().Set("Content-Length", fmt.Sprint(desc.Size))
	resp.WriteHeader(http.StatusOK)
	return nil
}

func manifestRef(rreq *request) ocistore.Ref {
	if rreq.tag != "" {
		return ocistore.Ref{Tag: rreq.tag}
	}
	return ocistore.Ref{Digest: ocistore.Digest(rreq.digest)}
}
