package ociserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"ocistore.dev/go/ocistore"
)

type catalog struct {
	Repos []string `json:"repositories"`
}

type listTags struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func (r *registry) handleTagsList(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	tags, link, err := r.listPage(req, rreq, func(n int) ([]string, error) {
		return repo.Tags(ctx, n, rreq.listLast)
	})
	if err != nil {
		return err
	}
	if tags == nil {
		tags = []string{}
	}
	msg, err := json.Marshal(listTags{
		Name: rreq.repo,
		Tags: tags,
	})
	if err != nil {
		return err
	}
	writeJSON(resp, msg, link)
	return nil
}

func (r *registry) handleCatalogList(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	repos, link, err := r.listPage(req, rreq, func(n int) ([]string, error) {
		return r.backend.Repositories(ctx, n, rreq.listLast)
	})
	if err != nil {
		return err
	}
	if repos == nil {
		repos = []string{}
	}
	msg, err := json.Marshal(catalog{
		Repos: repos,
	})
	if err != nil {
		return err
	}
	writeJSON(resp, msg, link)
	return nil
}

func (r *registry) handleReferrersList(ctx context.Context, resp http.ResponseWriter, req *http.Request, rreq *request) error {
	if r.opts.DisableReferrersAPI {
		return errNotFound
	}
	repo, err := r.repoForRead(ctx, rreq)
	if err != nil {
		return err
	}
	artifactType := rreq.artifactType
	if r.opts.DisableReferrersFiltering {
		artifactType = ""
	}
	index, err := repo.Manifests().Referrers(ctx, ocistore.Digest(rreq.digest), artifactType)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(index)
	if err != nil {
		return err
	}
	resp.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	resp.Header().Set("Content-Type", ocispec.MediaTypeImageIndex)
	if artifactType != "" {
		resp.Header().Set("OCI-Filters-Applied", "artifactType")
	}
	resp.WriteHeader(http.StatusOK)
	resp.Write(msg)
	return nil
}

// listPage fetches one page of list results. When a limit n was given,
// one extra item is requested to detect truncation, and a Link header
// pointing at the next page is returned alongside a truncated result.
func (r *registry) listPage(req *http.Request, rreq *request, fetch func(n int) ([]string, error)) (items []string, link string, _ error) {
	n := rreq.listN
	if n <= 0 {
		items, err := fetch(0)
		return items, "", err
	}
	items, err := fetch(n + 1)
	if err != nil {
		return nil, "", err
	}
	if len(items) > n {
		items = items[:n]
		link = makeNextLink(req, items[len(items)-1])
	}
	return items, link, nil
}

// makeNextLink returns an RFC 5988 Link value chaining to the next
// page of list results, starting just after startAfter.
func makeNextLink(req *http.Request, startAfter string) string {
	query := req.URL.Query()
	query.Set("last", startAfter)
	u := &url.URL{
		Path:     req.URL.Path,
		RawQuery: query.Encode(),
	}
	return fmt.Sprintf(`<%v>;rel="next"`, u)
}

func writeJSON(resp http.ResponseWriter, msg []byte, link string) {
	if link != "" {
		resp.Header().Set("Link", link)
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.Header().Set("Content-Length", strconv.Itoa(len(msg)))
	resp.WriteHeader(http.StatusOK)
	resp.Write(msg)
}
