package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// SafePath returns next only if it is a same-origin path: it must begin
// with "/" and must not be protocol-relative ("//host"). Anything else is
// discarded and the empty string returned, so callers fall back to their
// default destination.
func SafePath(next string) string {
	if !strings.HasPrefix(next, "/") {
		return ""
	}
	if strings.HasPrefix(next, "//") {
		return ""
	}
	return next
}

// JoinPath safely joins URL paths, handling trailing and leading slashes correctly
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	// Preserve trailing slash if the last path component had one
	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}
