// Package classify maps requests to the scope keys and pattern signatures the
// detectors track.
package classify

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// UnknownScope is shared by every request that cannot be classified. Because
// all such requests land in one bucket they hit the thresholds sooner.
const UnknownScope = "unknown"

// AnonymousClient stands in for a missing client identity.
const AnonymousClient = "anonymous"

// DefaultMaxPathLength is used when no limit is configured.
const DefaultMaxPathLength = 2048

// Classifier derives scope keys. The zero value uses DefaultMaxPathLength.
type Classifier struct {
	MaxPathLength int
}

// Scope returns the scope key for a request: the upper-cased method and the
// normalized path, joined by a space. With byClient the client identity is
// appended after a "|".
//
//	GET /api/v1/orgs          (global per route)
//	GET /api/v1/orgs|10.0.0.7 (per route per client)
//
// Malformed input yields UnknownScope.
func (c Classifier) Scope(method, path, clientID string, byClient bool) string {
	maxLen := c.MaxPathLength
	if maxLen <= 0 {
		maxLen = DefaultMaxPathLength
	}

	if !validMethod(method) || len(path) > maxLen {
		return UnknownScope
	}
	normalized, ok := NormalizePath(path)
	if !ok {
		return UnknownScope
	}

	var b strings.Builder
	b.Grow(len(method) + len(normalized) + len(clientID) + 2)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(normalized)
	if byClient {
		if clientID == "" || hasControl(clientID) {
			clientID = AnonymousClient
		}
		b.WriteByte('|')
		b.WriteString(clientID)
	}
	return b.String()
}

// NormalizePath strips any query or fragment, collapses repeated slashes and
// drops a trailing slash. The second result is false when path does not
// start with "/" or contains control characters.
func NormalizePath(path string) (string, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/") || hasControl(path) {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for i := 0; i < len(path); i++ {
		ch := path[i]
		if ch == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(ch)
	}

	out := b.String()
	if len(out) > 1 {
		out = strings.TrimSuffix(out, "/")
	}
	return out, true
}

// Signature identifies "the same request" for the pattern cache. It always
// covers the scope key; the query string and body hash are included when
// present.
func Signature(scope, query string, bodyHash uint64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(scope)
	if query != "" {
		_, _ = d.WriteString("?")
		_, _ = d.WriteString(query)
	}
	if bodyHash != 0 {
		var buf [9]byte
		buf[0] = '#'
		binary.LittleEndian.PutUint64(buf[1:], bodyHash)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// HashBody returns the xxhash of a request body. An empty body hashes to 0 so
// that it does not change the signature.
func HashBody(body []byte) uint64 {
	if len(body) == 0 {
		return 0
	}
	return xxhash.Sum64(body)
}

// validMethod reports whether m is a non-empty HTTP token.
func validMethod(m string) bool {
	if m == "" || len(m) > 32 {
		return false
	}
	for i := 0; i < len(m); i++ {
		ch := m[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", ch) >= 0:
		default:
			return false
		}
	}
	return true
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}
