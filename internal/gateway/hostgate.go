// Package gateway implements the single network capability handed to
// sandboxed code: an HTTP client pinned to the upstream API base, plus
// the response normalizer that folds REST and GraphQL shapes into one
// envelope.
package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// HostGate is a RoundTripper that only permits requests to an explicit
// hostname allow-list. It is the hard egress boundary for everything
// the process fetches: a request to any other destination is answered
// with a synthesized 403, never forwarded.
type HostGate struct {
	base    http.RoundTripper
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewHostGate wraps base (nil means http.DefaultTransport) with the
// given hostname allow-list. The list is fixed at construction; the
// gate is safe for concurrent use.
func NewHostGate(base http.RoundTripper, hosts []string, logger *slog.Logger) *HostGate {
	if base == nil {
		base = http.DefaultTransport
	}

	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}

	return &HostGate{base: base, allowed: allowed, logger: logger}
}

// Allowed reports whether the gate permits the given hostname.
func (g *HostGate) Allowed(host string) bool {
	_, ok := g.allowed[strings.ToLower(host)]
	return ok
}

// RoundTrip implements http.RoundTripper.
func (g *HostGate) RoundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Hostname()
	if g.Allowed(host) {
		return g.base.RoundTrip(req)
	}

	if g.logger != nil {
		g.logger.Warn("blocked outbound request to non-allow-listed host",
			slog.String("host", host),
			slog.String("path", req.URL.Path),
		)
	}

	return &http.Response{
		Status:     "403 Forbidden",
		StatusCode: http.StatusForbidden,
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:       io.NopCloser(strings.NewReader("egress to host " + host + " is not permitted")),
		Request:    req,
	}, nil
}
