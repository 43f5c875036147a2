// Package proxy forwards admitted requests to the guarded backend.
//
// Backends are addressed as http://, https:// or h2c:// (cleartext HTTP/2
// with prior knowledge). For http:// backends, requests that arrived over
// HTTP/2 are forwarded over h2c so streaming semantics are preserved.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/reqshield/reqshield/internal/config"
)

// Proxy is a reverse proxy to a single backend.
type Proxy struct {
	target      *url.URL
	rp          *httputil.ReverseProxy
	maxBodySize int64
	logger      *slog.Logger
}

// New creates a reverse proxy for cfg.URL.
func New(cfg config.BackendConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: host is required", cfg.URL)
	}

	responseTimeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid backend.timeout: %w", err)
	}
	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid backend.idle_conn_timeout: %w", err)
	}
	dialTimeout, err := config.ParseDuration(cfg.DialTimeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid backend.dial_timeout: %w", err)
	}

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.TLSInsecureVerify, //nolint:gosec // operator opt-in.
		},
	}
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}

	var transport http.RoundTripper
	switch strings.ToLower(target.Scheme) {
	case "https":
		h1.ForceAttemptHTTP2 = true
		transport = h1
	case "h2c":
		target.Scheme = "http"
		transport = h2c
	default:
		transport = &protocolAwareTransport{http1: h1, http2: h2c}
	}

	p := &Proxy{
		target:      target,
		maxBodySize: cfg.MaxRequestBodySize,
		logger:      logger,
	}
	p.rp = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  p.handleError,
	}
	return p, nil
}

// ServeHTTP forwards r to the backend.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.maxBodySize > 0 && r.Body != nil {
		if r.ContentLength > p.maxBodySize {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, p.maxBodySize)
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()
	pr.Out.Host = pr.In.Host

	// gRPC needs TE: trailers, which ReverseProxy strips as hop-by-hop.
	if strings.HasPrefix(pr.In.Header.Get("Content-Type"), "application/grpc") {
		pr.Out.Header.Set("TE", "trailers")
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	case errors.Is(err, context.Canceled) || isClientDisconnect(err):
		// Nobody is listening; leave the status unset so the request is not
		// blamed on the backend.
		p.logger.Debug("client went away during proxying", "path", r.URL.Path)
	default:
		p.logger.Error("proxy error", "error", err, "path", r.URL.Path)
		w.WriteHeader(http.StatusBadGateway)
	}
}

// protocolAwareTransport forwards HTTP/2 requests over h2c and everything
// else over the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func isClientDisconnect(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
