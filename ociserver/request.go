package ociserver

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"ocistore.dev/go/ocistore"
)

var (
	errNotFound         = ocistore.NewHTTPError(errors.New("page not found"), http.StatusNotFound)
	errMethodNotAllowed = ocistore.NewHTTPError(errors.New("method not allowed"), http.StatusMethodNotAllowed)
)

// request is the parsed form of one distribution-protocol request.
type request struct {
	kind kind

	// repo holds the repository name. Valid for all kinds except
	// reqPing and reqCatalogList.
	repo string

	// digest holds the digest used in the request, as a string so
	// that blob endpoints can report a malformed digest themselves.
	digest string

	// tag holds the tag for manifest requests referring to a tag
	// rather than a digest.
	tag string

	// fromRepo holds the source repository for reqBlobMount.
	fromRepo string

	// uploadID identifies the upload session for the upload
	// endpoints addressing an existing session.
	uploadID string

	// artifactType holds the referrers filter, when given.
	artifactType string

	// listN is the maximum number of results for list endpoints, or
	// -1 for no limit. listLast is the item to start just after.
	listN    int
	listLast string
}

type kind int

const (
	// end-1	GET	/v2/
	reqPing = kind(iota)

	// end-2	GET	/v2/<name>/blobs/<digest>
	reqBlobGet

	// end-2	HEAD	/v2/<name>/blobs/<digest>
	reqBlobHead

	// end-10	DELETE	/v2/<name>/blobs/<digest>
	reqBlobDelete

	// end-4a	POST	/v2/<name>/blobs/uploads/
	reqBlobStartUpload

	// end-4b	POST	/v2/<name>/blobs/uploads/?digest=<digest>
	reqBlobUploadBlob

	// end-11	POST	/v2/<name>/blobs/uploads/?mount=<digest>&from=<other_name>
	reqBlobMount

	// end-13	GET	/v2/<name>/blobs/uploads/<reference>
	reqBlobUploadInfo

	// end-5	PATCH	/v2/<name>/blobs/uploads/<reference>
	reqBlobUploadChunk

	// end-6	PUT	/v2/<name>/blobs/uploads/<reference>?digest=<digest>
	reqBlobCompleteUpload

	// docker v2	DELETE	/v2/<name>/blobs/uploads/<reference>
	reqBlobAbortUpload

	// end-3	GET	/v2/<name>/manifests/<tagOrDigest>
	reqManifestGet

	// end-3	HEAD	/v2/<name>/manifests/<tagOrDigest>
	reqManifestHead

	// end-7	PUT	/v2/<name>/manifests/<tagOrDigest>
	reqManifestPut

	// end-9	DELETE	/v2/<name>/manifests/<tagOrDigest>
	reqManifestDelete

	// end-8	GET	/v2/<name>/tags/list
	reqTagsList

	// end-12	GET	/v2/<name>/referrers/<digest>
	reqReferrersList

	// out-of-spec	GET	/v2/_catalog
	reqCatalogList

	numKinds
)

// parseRequest parses the given HTTP method and URL as a distribution
// registry request. It understands the endpoints described in the
// [distribution spec].
//
// [distribution spec]: https://github.com/opencontainers/distribution-spec/blob/main/spec.md#endpoints
func parseRequest(method string, u *url.URL) (*request, error) {
	path := u.Path
	urlq, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, ocistore.NewHTTPError(err, http.StatusBadRequest)
	}

	var rreq request
	if path == "/v2" || path == "/v2/" {
		if method != "GET" {
			return nil, errMethodNotAllowed
		}
		rreq.kind = reqPing
		return &rreq, nil
	}
	path, ok := strings.CutPrefix(path, "/v2/")
	if !ok {
		return nil, errNotFound
	}
	if path == "_catalog" {
		if method != "GET" {
			return nil, errMethodNotAllowed
		}
		rreq.kind = reqCatalogList
		if err := parseListArgs(&rreq, urlq); err != nil {
			return nil, err
		}
		return &rreq, nil
	}
	uploadPath, ok := strings.CutSuffix(path, "/blobs/uploads/")
	if !ok {
		uploadPath, ok = strings.CutSuffix(path, "/blobs/uploads")
	}
	if ok {
		rreq.repo = uploadPath
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		if method != "POST" {
			return nil, errMethodNotAllowed
		}
		if d := urlq.Get("mount"); d != "" {
			// end-11
			if !ocistore.IsValidDigest(d) {
				return nil, ocistore.ErrDigestInvalid
			}
			rreq.fromRepo = urlq.Get("from")
			if rreq.fromRepo == "" {
				// There's no "from" argument so fall back to
				// a regular chunked upload.
				rreq.kind = reqBlobStartUpload
				return &rreq, nil
			}
			if !ocistore.IsValidRepoName(rreq.fromRepo) {
				return nil, ocistore.ErrNameInvalid
			}
			rreq.digest = d
			rreq.kind = reqBlobMount
			return &rreq, nil
		}
		if d := urlq.Get("digest"); d != "" {
			// end-4b
			if !ocistore.IsValidDigest(d) {
				return nil, ocistore.ErrDigestInvalid
			}
			rreq.digest = d
			rreq.kind = reqBlobUploadBlob
			return &rreq, nil
		}
		// end-4a
		rreq.kind = reqBlobStartUpload
		return &rreq, nil
	}
	path, last, ok := cutLast(path, "/")
	if !ok {
		return nil, errNotFound
	}
	path, lastButOne, ok := cutLast(path, "/")
	if !ok {
		return nil, errNotFound
	}
	switch lastButOne {
	case "blobs":
		rreq.repo = path
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		if !ocistore.IsValidDigest(last) {
			return nil, ocistore.ErrDigestInvalid
		}
		rreq.digest = last
		switch method {
		case "GET":
			rreq.kind = reqBlobGet
		case "HEAD":
			rreq.kind = reqBlobHead
		case "DELETE":
			rreq.kind = reqBlobDelete
		default:
			return nil, errMethodNotAllowed
		}
		return &rreq, nil
	case "uploads":
		repo, ok := strings.CutSuffix(path, "/blobs")
		if !ok {
			return nil, errNotFound
		}
		rreq.repo = repo
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		rreq.uploadID = last
		if rreq.uploadID == "" {
			return nil, errNotFound
		}
		switch method {
		case "GET":
			rreq.kind = reqBlobUploadInfo
		case "PATCH":
			rreq.kind = reqBlobUploadChunk
		case "PUT":
			rreq.kind = reqBlobCompleteUpload
			rreq.digest = urlq.Get("digest")
			if !ocistore.IsValidDigest(rreq.digest) {
				return nil, ocistore.ErrDigestInvalid
			}
		case "DELETE":
			rreq.kind = reqBlobAbortUpload
		default:
			return nil, errMethodNotAllowed
		}
		return &rreq, nil
	case "manifests":
		rreq.repo = path
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		switch {
		case ocistore.IsValidDigest(last):
			rreq.digest = last
		case ocistore.IsValidTag(last):
			rreq.tag = last
		default:
			return nil, errNotFound
		}
		switch method {
		case "GET":
			rreq.kind = reqManifestGet
		case "HEAD":
			rreq.kind = reqManifestHead
		case "PUT":
			rreq.kind = reqManifestPut
		case "DELETE":
			rreq.kind = reqManifestDelete
		default:
			return nil, errMethodNotAllowed
		}
		return &rreq, nil
	case "tags":
		if last != "list" {
			return nil, errNotFound
		}
		if method != "GET" {
			return nil, errMethodNotAllowed
		}
		rreq.repo = path
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		if err := parseListArgs(&rreq, urlq); err != nil {
			return nil, err
		}
		rreq.kind = reqTagsList
		return &rreq, nil
	case "referrers":
		if method != "GET" {
			return nil, errMethodNotAllowed
		}
		rreq.repo = path
		if !ocistore.IsValidRepoName(rreq.repo) {
			return nil, ocistore.ErrNameInvalid
		}
		if !ocistore.IsValidDigest(last) {
			return nil, ocistore.ErrDigestInvalid
		}
		rreq.digest = last
		rreq.artifactType = urlq.Get("artifactType")
		rreq.kind = reqReferrersList
		return &rreq, nil
	}
	return nil, errNotFound
}

func parseListArgs(rreq *request, urlq url.Values) error {
	rreq.listN = -1
	if nstr := urlq.Get("n"); nstr != "" {
		n, err := strconv.Atoi(nstr)
		if err != nil || n < 0 {
			return ocistore.NewHTTPError(errors.New("n is not a valid non-negative integer"), http.StatusBadRequest)
		}
		rreq.listN = n
	} else if urlq.Get("last") != "" {
		// last only makes sense as a continuation of a sized page.
		return ocistore.NewHTTPError(errors.New("last may not be provided without n"), http.StatusBadRequest)
	}
	rreq.listLast = urlq.Get("last")
	return nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return "", s, false
}
