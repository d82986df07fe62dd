package urlutil

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// DefaultProfileBaseURL is the profile platform the fetcher targets
const DefaultProfileBaseURL = "https://www.tiktok.com"

// ErrInvalidHandle is returned when input cannot be reduced to a valid handle
var ErrInvalidHandle = errors.New("invalid profile handle")

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.]{2,24}$`)

// NormalizeHandle reduces a raw handle, an @handle, or a full profile URL to
// the bare handle. No network access is performed.
func NormalizeHandle(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrInvalidHandle
	}

	if looksLikeURL(s) {
		h, ok := handleFromURL(s)
		if !ok {
			return "", ErrInvalidHandle
		}
		s = h
	}

	s = strings.TrimPrefix(s, "@")
	if !handlePattern.MatchString(s) {
		return "", ErrInvalidHandle
	}
	return s, nil
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "/")
}

// handleFromURL finds the first "@handle" path segment of a profile URL
func handleFromURL(raw string) (string, bool) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if strings.HasPrefix(seg, "@") && len(seg) > 1 {
			return seg, true
		}
	}
	return "", false
}

// ProfileURL builds the canonical profile URL for a handle with a
// cache-defeating query parameter.
// Returns a URL like: https://www.tiktok.com/@{handle}?_r={cacheBuster}
func ProfileURL(baseURL, handle string, cacheBuster int64) string {
	if baseURL == "" {
		baseURL = DefaultProfileBaseURL
	}
	q := url.Values{}
	q.Set("_r", strconv.FormatInt(cacheBuster, 10))
	return strings.TrimRight(baseURL, "/") + "/@" + url.PathEscape(handle) + "?" + q.Encode()
}
