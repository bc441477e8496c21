package pages

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ErrInvalidKey reports a record whose URL or timestamp cannot be normalized.
var ErrInvalidKey = errors.New("invalid capture key")

// TimestampLen is the length of a full archive timestamp (YYYYMMDDhhmmss).
const TimestampLen = 14

const minTimestampLen = 4

// Key identifies one capture of a URL in the archive. Two records with equal
// keys refer to the same page.
type Key struct {
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

// String renders the key as "timestamp/url", matching the archive path layout.
func (k Key) String() string {
	return k.Timestamp + "/" + k.URL
}

// Compare orders keys by URL, then timestamp.
func (k Key) Compare(o Key) int {
	if c := cmp.Compare(k.URL, o.URL); c != 0 {
		return c
	}
	return cmp.Compare(k.Timestamp, o.Timestamp)
}

// NewKey normalizes a raw URL and timestamp into a Key.
func NewKey(rawURL, rawTS string) (Key, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return Key{}, err
	}
	ts, err := NormalizeTimestamp(rawTS)
	if err != nil {
		return Key{}, err
	}
	return Key{URL: u, Timestamp: ts}, nil
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, and drops fragments. An empty path becomes "/".
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrInvalidKey, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: url %q must be absolute", ErrInvalidKey, rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// NormalizeTimestamp validates an archive timestamp and right-pads it with
// zeros to full second precision.
func NormalizeTimestamp(raw string) (string, error) {
	ts := strings.TrimSpace(raw)
	if len(ts) < minTimestampLen || len(ts) > TimestampLen {
		return "", fmt.Errorf("%w: timestamp %q must have %d-%d digits", ErrInvalidKey, raw, minTimestampLen, TimestampLen)
	}
	for _, r := range ts {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: timestamp %q is not numeric", ErrInvalidKey, raw)
		}
	}
	return ts + strings.Repeat("0", TimestampLen-len(ts)), nil
}

// SortKeys orders keys in place by URL, then timestamp.
func SortKeys(keys []Key) {
	slices.SortFunc(keys, Key.Compare)
}
