// Package proxy forwards matched requests to registered backends, swapping
// the caller's credentials for the backend's own bearer token.
package proxy

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vyrodovalexey/avregw/internal/backend"
	"github.com/vyrodovalexey/avregw/internal/observability"
	"github.com/vyrodovalexey/avregw/internal/router"
)

// DefaultUpstreamTimeout bounds a single proxied exchange.
const DefaultUpstreamTimeout = 30 * time.Second

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder relays a request to a backend and streams the response back.
type Forwarder struct {
	client  *http.Client
	logger  observability.Logger
	version string
}

// ForwarderOption is a functional option for configuring the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithHTTPClient sets the upstream HTTP client.
func WithHTTPClient(client *http.Client) ForwarderOption {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithVersion sets the version string reported in the X-Proxied-By header.
func WithVersion(version string) ForwarderOption {
	return func(f *Forwarder) {
		f.version = version
	}
}

// NewForwarder creates a forwarder with a pooled upstream client.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		client: &http.Client{
			Timeout: DefaultUpstreamTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  observability.NopLogger(),
		version: "dev",
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Forward relays r to the backend matched at prefix and writes the backend's
// response to w. The matched prefix is stripped from the path, and the
// backend's own token replaces whatever Authorization header the client sent.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, b *backend.Backend, prefix string) {
	start := time.Now()
	metrics := GetProxyMetrics()

	target := strings.TrimSuffix(b.URL, "/") + router.StripPrefix(r.URL.Path, prefix)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		metrics.errorsTotal.WithLabelValues(b.Name).Inc()
		f.writeUpstreamError(w, b, err)
		return
	}

	copyProxyHeaders(upstream.Header, r.Header)
	upstream.Header.Set("Authorization", "Bearer "+b.Token)
	setForwardedHeaders(upstream, r)
	if upstream.Body != nil && r.ContentLength > 0 {
		upstream.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(upstream)
	if err != nil {
		metrics.errorsTotal.WithLabelValues(b.Name).Inc()
		f.logger.Error("backend request failed",
			observability.String("backend", b.Name),
			observability.String("target", target),
			observability.Error(err),
		)
		f.writeUpstreamError(w, b, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	elapsed := time.Since(start)
	metrics.requestsTotal.WithLabelValues(b.Name, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.requestDuration.WithLabelValues(b.Name).Observe(elapsed.Seconds())

	header := w.Header()
	for key, values := range resp.Header {
		if isHopHeader(key) {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set("X-Proxied-By", "avregw/"+f.version)
	header.Set("X-Backend-Name", b.Name)
	header.Set("X-Response-Time", strconv.FormatInt(elapsed.Milliseconds(), 10)+"ms")
	if requestID := observability.RequestIDFromContext(r.Context()); requestID != "" {
		header.Set("X-Request-ID", requestID)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.logger.Warn("response copy interrupted",
			observability.String("backend", b.Name),
			observability.Error(err),
		)
	}

	f.logger.Debug("request proxied",
		observability.String("backend", b.Name),
		observability.String("method", r.Method),
		observability.String("path", r.URL.Path),
		observability.Int("status", resp.StatusCode),
		observability.Duration("elapsed", elapsed),
	)
}

// writeUpstreamError reports a failed backend exchange as 502.
func (f *Forwarder) writeUpstreamError(w http.ResponseWriter, b *backend.Backend, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "Bad Gateway",
		"backend": b.Name,
		"message": err.Error(),
	})
}

// copyProxyHeaders copies client headers to the upstream request, dropping
// hop-by-hop headers and Host. Authorization is copied here and overwritten
// by the caller with the backend credential.
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) || strings.EqualFold(key, "Host") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// setForwardedHeaders records the original client address, host, and scheme.
func setForwardedHeaders(upstream, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		clientIP = prior + ", " + clientIP
	}
	upstream.Header.Set("X-Forwarded-For", clientIP)
	upstream.Header.Set("X-Forwarded-Host", r.Host)

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	upstream.Header.Set("X-Forwarded-Proto", scheme)
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
