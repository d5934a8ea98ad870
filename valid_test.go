package ocistore

import (
	"strings"
	"testing"

	"github.com/go-quicktest/qt"
)

var repoNameTests = []struct {
	name string
	want bool
}{
	{"foo", true},
	{"foo/bar", true},
	{"foo/bar/baz", true},
	{"myorg/my-image_v2", true},
	{"MyOrg/Image", true},
	{"0chars", true},
	{"a.b.c/d", true},
	{"", false},
	{"/", false},
	{"/foo", false},
	{"foo/", false},
	{"foo//bar", false},
	{"-leading", false},
	{".leading", false},
	{"foo/-bar", false},
	{"has space", false},
	{"a" + strings.Repeat("b", 128), false},
	{"a" + strings.Repeat("b", 127), true},
}

func TestIsValidRepoName(t *testing.T) {
	for _, test := range repoNameTests {
		qt.Check(t, qt.Equals(IsValidRepoName(test.name), test.want), qt.Commentf("name %q", test.name))
	}
}

var tagTests = []struct {
	tag  string
	want bool
}{
	{"latest", true},
	{"v1.2.3", true},
	{"_underscore", true},
	{"UPPER", true},
	{"", false},
	{"-leading", false},
	{".leading", false},
	{"has/slash", false},
	{"x" + strings.Repeat("y", 127), true},
	{"x" + strings.Repeat("y", 128), false},
}

func TestIsValidTag(t *testing.T) {
	for _, test := range tagTests {
		qt.Check(t, qt.Equals(IsValidTag(test.tag), test.want), qt.Commentf("tag %q", test.tag))
	}
}

func TestIsValidDigest(t *testing.T) {
	qt.Assert(t, qt.IsTrue(IsValidDigest("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")))
	qt.Assert(t, qt.IsFalse(IsValidDigest("sha256:xyz")))
	qt.Assert(t, qt.IsFalse(IsValidDigest("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")))
	qt.Assert(t, qt.IsFalse(IsValidDigest("")))
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsFalse(ref.IsTag()))

	ref, err = ParseRef("latest")
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(ref.IsTag()))
	qt.Assert(t, qt.Equals(ref.String(), "latest"))

	_, err = ParseRef("not/a/tag")
	qt.Assert(t, qt.IsNotNil(err))
}
