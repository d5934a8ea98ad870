package ocistore

import (
	"regexp"

	"github.com/opencontainers/go-digest"
)

var (
	tagPattern         = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
	repoSegmentPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// IsValidRepoName reports whether the given repository name is valid:
// one or more slash-separated path segments, each matching
// [a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}.
func IsValidRepoName(repoName string) bool {
	if repoName == "" {
		return false
	}
	for {
		i := 0
		for i < len(repoName) && repoName[i] != '/' {
			i++
		}
		if !repoSegmentPattern.MatchString(repoName[:i]) {
			return false
		}
		if i == len(repoName) {
			return true
		}
		repoName = repoName[i+1:]
	}
}

// IsValidTag reports whether tag is a valid tag name.
func IsValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// IsValidDigest reports whether d is a well-formed digest string
// with a registered algorithm.
func IsValidDigest(d string) bool {
	_, err := digest.Parse(d)
	return err == nil
}
