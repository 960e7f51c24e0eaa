// Package urlutil provides the URL normalization primitives the rest of
// the navigation pipeline is built on: resolving relative references to
// absolute form, deriving origin/path for same-origin and cache-scope
// checks, and appending/stripping the request-type identifier used on
// the wire.
package urlutil

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

// Absolute resolves ref against base and returns its absolute string form.
// It mirrors how a browser resolves an anchor's href against the
// document's base URL.
func Absolute(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// Origin returns "scheme://host" for u, the same notion of origin used
// by same-origin navigation checks.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Scheme + "://" + u.Host, nil
}

// SameOrigin reports whether a and b share a scheme and host.
func SameOrigin(a, b string) bool {
	oa, err := Origin(a)
	if err != nil {
		return false
	}
	ob, err := Origin(b)
	if err != nil {
		return false
	}
	return oa == ob
}

// SameOriginAllowed reports whether a and b are same-origin, or a's
// origin appears in extraOrigins — the configured allowlist letting a
// deployment span a small set of related origins (e.g. a bare domain
// and its "www" alias) without disabling the same-origin check entirely.
func SameOriginAllowed(a, b string, extraOrigins []string) bool {
	if SameOrigin(a, b) {
		return true
	}
	oa, err := Origin(a)
	if err != nil {
		return false
	}
	for _, o := range extraOrigins {
		if oa == o {
			return true
		}
	}
	return false
}

// Path returns the path component of u, used to scope a "path"-typed
// cache entry to the referring page's path rather than its full URL.
func Path(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

// WithoutHash returns u with any fragment removed, preserving query.
func WithoutHash(rawURL string) string {
	if i := strings.IndexByte(rawURL, '#'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// Hash returns the identifier the resource loader uses to derive
// deterministic element ids: the URL with its protocol stripped, run
// through a short stable digest. Using
// the scheme-stripped form means http/https variants of the same
// resource share one element id, matching the stated "URL hash" contract.
func Hash(rawURL string) string {
	stripped := rawURL
	if i := strings.Index(stripped, "://"); i >= 0 {
		stripped = stripped[i+3:]
	}
	sum := sha1.Sum([]byte(stripped))
	return hex.EncodeToString(sum[:])[:16]
}

// AppendIdentifier appends the request-type identifier to rawURL following
// pattern, where pattern contains a literal "__type__" placeholder (e.g.
// "?spf=__type__"). If rawURL already has a query string, the identifier
// pattern's leading "?" is rewritten to "&".
func AppendIdentifier(rawURL, pattern, reqType string) string {
	if pattern == "" {
		return rawURL
	}
	ident := strings.ReplaceAll(pattern, "__type__", reqType)
	if strings.Contains(rawURL, "?") && strings.HasPrefix(ident, "?") {
		ident = "&" + ident[1:]
	}
	return rawURL + ident
}

// StripIdentifier removes a previously appended identifier (in any
// __type__ substitution) from rawURL, used before computing a cache key
// so that distinct request types for the same resource collapse to one key.
func StripIdentifier(rawURL, pattern string) string {
	if pattern == "" {
		return rawURL
	}
	prefixEnd := strings.Index(pattern, "__type__")
	if prefixEnd < 0 {
		return rawURL
	}
	prefix := pattern[:prefixEnd]
	suffix := pattern[prefixEnd+len("__type__"):]
	idx := strings.Index(rawURL, prefix)
	if idx < 0 && strings.HasPrefix(prefix, "?") {
		// AppendIdentifier writes "&" in place of "?" on URLs with a query.
		prefix = "&" + prefix[1:]
		idx = strings.Index(rawURL, prefix)
	}
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+len(prefix):]
	end := len(rest)
	if suffix != "" {
		if j := strings.Index(rest, suffix); j >= 0 {
			end = j
		}
	} else if amp := strings.IndexAny(rest, "&#"); amp >= 0 {
		end = amp
	}
	return rawURL[:idx] + rest[end:]
}

// HashPartition maps s deterministically into [0, numBuckets); it
// returns 0 when numBuckets is not positive.
func HashPartition(s string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	sum := sha1.Sum([]byte(s))
	n, _ := strconv.ParseUint(hex.EncodeToString(sum[:8]), 16, 64)
	return int(n % uint64(numBuckets))
}
