package classify

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/reqshield/reqshield/internal/config"
)

// IdentityStrategy extracts the client identity used for per-client scoping.
// An empty result means the identity is unknown.
type IdentityStrategy interface {
	Identity(req *http.Request) string
}

// ClientIPStrategy identifies clients by IP address. X-Forwarded-For and
// X-Real-IP are honored only when the connection comes from a trusted proxy;
// with no trusted proxies configured they are always honored.
type ClientIPStrategy struct {
	TrustedProxies []*net.IPNet
}

// Identity returns the client IP from proxy headers or RemoteAddr.
func (s *ClientIPStrategy) Identity(req *http.Request) string {
	remote := remoteIP(req.RemoteAddr)

	if s.trusts(remote) {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}
	return remote
}

func (s *ClientIPStrategy) trusts(remote string) bool {
	if len(s.TrustedProxies) == 0 {
		return true
	}
	ip := net.ParseIP(remote)
	if ip == nil {
		return false
	}
	for _, n := range s.TrustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr string) string {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}

// HeaderStrategy identifies clients by a request header such as a session id
// or API token.
type HeaderStrategy struct {
	HeaderName string
}

// Identity returns the header value, or "" when it is missing.
func (s *HeaderStrategy) Identity(req *http.Request) string {
	return strings.TrimSpace(req.Header.Get(s.HeaderName))
}

// NewIdentityStrategy builds the strategy selected by cfg.
func NewIdentityStrategy(cfg config.ClassifierConfig) (IdentityStrategy, error) {
	switch cfg.Identity {
	case config.ClientIdentityClientIP, "":
		nets := make([]*net.IPNet, 0, len(cfg.TrustedProxies))
		for _, cidr := range cfg.TrustedProxies {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
			}
			nets = append(nets, n)
		}
		return &ClientIPStrategy{TrustedProxies: nets}, nil
	case config.ClientIdentityHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when identity is %q", cfg.Identity)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown identity strategy %q: must be clientip or header", cfg.Identity)
	}
}
