package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScope(t *testing.T) {
	var c Classifier

	tests := []struct {
		name     string
		method   string
		path     string
		client   string
		byClient bool
		want     string
	}{
		{"method and path", "GET", "/api/v1/organizations", "", false, "GET /api/v1/organizations"},
		{"method is upper-cased", "post", "/a", "", false, "POST /a"},
		{"query is stripped", "GET", "/a?page=2", "", false, "GET /a"},
		{"fragment is stripped", "GET", "/a#top", "", false, "GET /a"},
		{"duplicate slashes collapse", "GET", "//a///b", "", false, "GET /a/b"},
		{"trailing slash dropped", "GET", "/a/b/", "", false, "GET /a/b"},
		{"root stays root", "GET", "/", "", false, "GET /"},
		{"client appended", "GET", "/a", "10.0.0.1", true, "GET /a|10.0.0.1"},
		{"client ignored when not scoping", "GET", "/a", "10.0.0.1", false, "GET /a"},
		{"missing client is anonymous", "GET", "/a", "", true, "GET /a|anonymous"},
		{"empty method", "", "/a", "", false, UnknownScope},
		{"method with space", "GE T", "/a", "", false, UnknownScope},
		{"relative path", "GET", "a/b", "", false, UnknownScope},
		{"empty path", "GET", "", "", false, UnknownScope},
		{"control character", "GET", "/a\nb", "", false, UnknownScope},
		{"over-long path", "GET", "/" + strings.Repeat("x", DefaultMaxPathLength), "", false, UnknownScope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Scope(tt.method, tt.path, tt.client, tt.byClient))
		})
	}
}

func TestScopeIsDeterministic(t *testing.T) {
	c := Classifier{MaxPathLength: 16}
	a := c.Scope("GET", "/x//y/", "c", true)
	b := c.Scope("get", "/x/y", "c", true)
	assert.Equal(t, a, b)

	assert.Equal(t, UnknownScope, c.Scope("GET", "/this/path/is/too/long", "", false))
}

func TestSignature(t *testing.T) {
	t.Run("same inputs give the same signature", func(t *testing.T) {
		assert.Equal(t, Signature("GET /a", "x=1", 5), Signature("GET /a", "x=1", 5))
	})

	t.Run("query and body distinguish requests", func(t *testing.T) {
		base := Signature("GET /a", "", 0)
		assert.NotEqual(t, base, Signature("GET /a", "x=1", 0))
		assert.NotEqual(t, base, Signature("GET /a", "", HashBody([]byte(`{"a":1}`))))
		assert.NotEqual(t, base, Signature("GET /b", "", 0))
	})

	t.Run("empty body does not change the signature", func(t *testing.T) {
		assert.Zero(t, HashBody(nil))
		assert.Equal(t, Signature("GET /a", "", 0), Signature("GET /a", "", HashBody([]byte{})))
	})
}
