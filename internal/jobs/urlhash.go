package jobs

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NormalizeURL standardizes a URL so equivalent forms hash identically:
// lowercases scheme and host, drops default ports and the fragment, and
// sorts query parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
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
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// URLHashPrefix is prepended to every deterministic URL hash so lock keys
// are visually distinguishable from job/crawl ids in the State Store.
const URLHashPrefix = "urlhash_"

// HashURL forms the deterministic, non-cryptographic hash used as a URL
// Lock's document id. Collisions are tolerated: locks are scoped to a 24h
// TTL, so a collision only costs an extra lock miss.
func HashURL(rawURL string) string {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		normalized = rawURL
	}
	sum := xxhash.Sum64String(normalized)
	return fmt.Sprintf("%s%016x", URLHashPrefix, sum)
}
