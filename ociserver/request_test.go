package ociserver

import (
	"net/url"
	"testing"

	"github.com/go-quicktest/qt"
)

var parseRequestTests = []struct {
	testName string
	method   string
	url      string
	want     *request
	wantErr  string
}{{
	testName: "Ping",
	method:   "GET",
	url:      "/v2/",
	want:     &request{kind: reqPing},
}, {
	testName: "PingNoSlash",
	method:   "GET",
	url:      "/v2",
	want:     &request{kind: reqPing},
}, {
	testName: "OutsideV2",
	method:   "GET",
	url:      "/foo",
	wantErr:  ".*page not found",
}, {
	testName: "BlobGet",
	method:   "GET",
	url:      "/v2/foo/bar/blobs/sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind:   reqBlobGet,
		repo:   "foo/bar",
		digest: "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "BlobGetBadDigest",
	method:   "GET",
	url:      "/v2/foo/blobs/sha256:xyz",
	wantErr:  "digest invalid: .*",
}, {
	testName: "BlobHead",
	method:   "HEAD",
	url:      "/v2/foo/blobs/sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind:   reqBlobHead,
		repo:   "foo",
		digest: "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "BlobBadMethod",
	method:   "POST",
	url:      "/v2/foo/blobs/sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	wantErr:  ".*method not allowed",
}, {
	testName: "StartUpload",
	method:   "POST",
	url:      "/v2/foo/blobs/uploads/",
	want: &request{
		kind: reqBlobStartUpload,
		repo: "foo",
	},
}, {
	testName: "StartUploadNoTrailingSlash",
	method:   "POST",
	url:      "/v2/foo/blobs/uploads",
	want: &request{
		kind: reqBlobStartUpload,
		repo: "foo",
	},
}, {
	testName: "SinglePostUpload",
	method:   "POST",
	url:      "/v2/foo/blobs/uploads/?digest=sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind:   reqBlobUploadBlob,
		repo:   "foo",
		digest: "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "Mount",
	method:   "POST",
	url:      "/v2/foo/blobs/uploads/?mount=sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824&from=other/repo",
	want: &request{
		kind:     reqBlobMount,
		repo:     "foo",
		fromRepo: "other/repo",
		digest:   "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "MountWithoutFromFallsBackToUpload",
	method:   "POST",
	url:      "/v2/foo/blobs/uploads/?mount=sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind: reqBlobStartUpload,
		repo: "foo",
	},
}, {
	testName: "UploadChunk",
	method:   "PATCH",
	url:      "/v2/foo/blobs/uploads/some-session-id",
	want: &request{
		kind:     reqBlobUploadChunk,
		repo:     "foo",
		uploadID: "some-session-id",
	},
}, {
	testName: "UploadInfo",
	method:   "GET",
	url:      "/v2/foo/blobs/uploads/some-session-id",
	want: &request{
		kind:     reqBlobUploadInfo,
		repo:     "foo",
		uploadID: "some-session-id",
	},
}, {
	testName: "CompleteUpload",
	method:   "PUT",
	url:      "/v2/foo/blobs/uploads/some-session-id?digest=sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind:     reqBlobCompleteUpload,
		repo:     "foo",
		uploadID: "some-session-id",
		digest:   "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "AbortUpload",
	method:   "DELETE",
	url:      "/v2/foo/blobs/uploads/some-session-id",
	want: &request{
		kind:     reqBlobAbortUpload,
		repo:     "foo",
		uploadID: "some-session-id",
	},
}, {
	testName: "CompleteUploadMissingDigest",
	method:   "PUT",
	url:      "/v2/foo/blobs/uploads/some-session-id",
	wantErr:  "digest invalid: .*",
}, {
	testName: "ManifestGetTag",
	method:   "GET",
	url:      "/v2/foo/manifests/latest",
	want: &request{
		kind: reqManifestGet,
		repo: "foo",
		tag:  "latest",
	},
}, {
	testName: "ManifestPutDigest",
	method:   "PUT",
	url:      "/v2/foo/manifests/sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	want: &request{
		kind:   reqManifestPut,
		repo:   "foo",
		digest: "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
	},
}, {
	testName: "ManifestDeleteTag",
	method:   "DELETE",
	url:      "/v2/foo/manifests/latest",
	want: &request{
		kind: reqManifestDelete,
		repo: "foo",
		tag:  "latest",
	},
}, {
	testName: "TagsList",
	method:   "GET",
	url:      "/v2/foo/bar/tags/list",
	want: &request{
		kind:  reqTagsList,
		repo:  "foo/bar",
		listN: -1,
	},
}, {
	testName: "TagsListPaginated",
	method:   "GET",
	url:      "/v2/foo/tags/list?n=2&last=apple",
	want: &request{
		kind:     reqTagsList,
		repo:     "foo",
		listN:    2,
		listLast: "apple",
	},
}, {
	testName: "TagsListBadN",
	method:   "GET",
	url:      "/v2/foo/tags/list?n=bogus",
	wantErr:  ".*not a valid non-negative integer.*",
}, {
	testName: "TagsListLastWithoutN",
	method:   "GET",
	url:      "/v2/foo/tags/list?last=apple",
	wantErr:  ".*last may not be provided without n",
}, {
	testName: "CatalogLastWithoutN",
	method:   "GET",
	url:      "/v2/_catalog?last=apple",
	wantErr:  ".*last may not be provided without n",
}, {
	testName: "Referrers",
	method:   "GET",
	url:      "/v2/foo/referrers/sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824?artifactType=application/example",
	want: &request{
		kind:         reqReferrersList,
		repo:         "foo",
		digest:       "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		artifactType: "application/example",
	},
}, {
	testName: "Catalog",
	method:   "GET",
	url:      "/v2/_catalog?n=10",
	want: &request{
		kind:  reqCatalogList,
		listN: 10,
	},
}}

func TestParseRequest(t *testing.T) {
	for _, test := range parseRequestTests {
		t.Run(test.testName, func(t *testing.T) {
			u, err := url.Parse(test.url)
			qt.Assert(t, qt.IsNil(err))
			rreq, err := parseRequest(test.method, u)
			if test.wantErr != "" {
				qt.Assert(t, qt.ErrorMatches(err, test.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			qt.Assert(t, qt.Equals(*rreq, *test.want))
		})
	}
}

func TestRangeString(t *testing.T) {
	qt.Assert(t, qt.Equals(rangeString(0), "0-0"))
	qt.Assert(t, qt.Equals(rangeString(1), "0-0"))
	qt.Assert(t, qt.Equals(rangeString(11), "0-10"))
}
