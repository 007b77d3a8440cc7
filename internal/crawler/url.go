package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a submitted URL.
// It requires an http or https scheme and a host, lowercases the scheme and host,
// removes default ports and fragments, and sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	u.Host = HostKey(u)
	u.User = nil

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String(), nil
}

// HostKey returns the lowercased host with the scheme's default port removed.
func HostKey(u *url.URL) string {
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return host
}

// SameHost reports whether two URLs point at the same host (port aware).
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return HostKey(a) == HostKey(b)
}
