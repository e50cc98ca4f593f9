package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const requestTimeout = 60 * time.Second

// Auth is the credential a Client attaches to every request. Either a
// bearer token or a legacy email + key pair; the token is captured at
// construction time and is never visible to sandboxed code.
type Auth struct {
	Token string
	Email string
	Key   string
}

func (a Auth) apply(req *http.Request) {
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
		return
	}

	req.Header.Set("X-Auth-Email", a.Email)
	req.Header.Set("X-Auth-Key", a.Key)
}

// RequestOptions describes one call made through the request capability.
type RequestOptions struct {
	Method      string
	Path        string
	Query       map[string]string
	Body        any
	ContentType string
	RawBody     string
}

// Client is the single network capability exposed to sandboxed code.
// Every request targets the fixed upstream API base; there is no way to
// point it elsewhere.
type Client struct {
	base        string
	graphqlPath string
	auth        Auth
	http        *http.Client
}

// NewClient builds a request capability bound to one credential. The
// provided http.Client should carry the process-wide HostGate transport.
func NewClient(baseURL, graphqlPath string, auth Auth, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	return &Client{
		base:        strings.TrimRight(baseURL, "/"),
		graphqlPath: graphqlPath,
		auth:        auth,
		http:        httpClient,
	}
}

// buildURL joins the fixed API base with the caller's path and appends
// query parameters, skipping empty values.
func (c *Client) buildURL(path string, query map[string]string) (string, error) {
	u, err := url.Parse(c.base + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}

	q := u.Query()
	for k, v := range query {
		if v == "" {
			continue
		}

		q.Set(k, v)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Do performs one upstream call and returns the normalized envelope.
// Upstream-reported failures surface as errors whose message carries
// the upstream's own codes and messages.
func (c *Client) Do(ctx context.Context, opts RequestOptions) (*Envelope, error) {
	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := c.buildURL(opts.Path, opts.Query)
	if err != nil {
		return nil, err
	}

	var (
		bodyReader  io.Reader
		contentType string
	)

	switch {
	case opts.RawBody != "":
		bodyReader = strings.NewReader(opts.RawBody)
		contentType = opts.ContentType
	case opts.Body != nil:
		if opts.ContentType != "" {
			// An explicit content type means the body is sent as given,
			// not re-encoded.
			if s, ok := opts.Body.(string); ok {
				bodyReader = strings.NewReader(s)
			} else {
				data, err := json.Marshal(opts.Body)
				if err != nil {
					return nil, fmt.Errorf("encoding request body: %w", err)
				}

				bodyReader = bytes.NewReader(data)
			}

			contentType = opts.ContentType
		} else {
			data, err := json.Marshal(opts.Body)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}

			bodyReader = bytes.NewReader(data)
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.auth.apply(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading upstream response: %w", err)
	}

	return Normalize(opts.Path, c.graphqlPath, resp.StatusCode, resp.Header.Get("Content-Type"), body)
}
