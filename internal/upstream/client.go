// Package upstream talks to the credentialed backend: identity lookups
// used by the authentication dispatcher and the three-legged OAuth
// exchange used by the consent flow.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skybridge-mcp/skybridge/internal/authn"
)

const identityTimeout = 15 * time.Second

// Client performs identity lookups against the upstream API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds an identity client for the given API base URL.
// A nil httpClient falls back to a default client with a timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: identityTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger,
	}
}

// envelope is the upstream's conventional response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []apiError      `json:"errors"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e envelope) errorMessage() string {
	if len(e.Errors) == 0 {
		return "request failed"
	}

	parts := make([]string, 0, len(e.Errors))
	for _, ae := range e.Errors {
		parts = append(parts, fmt.Sprintf("%d: %s", ae.Code, ae.Message))
	}

	return strings.Join(parts, ", ")
}

// get performs one authenticated GET and decodes the envelope result.
func (c *Client) get(ctx context.Context, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding %s response (status %d): %w", path, resp.StatusCode, err)
	}

	if !env.Success {
		return fmt.Errorf("%s: %s", path, env.errorMessage())
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", path, err)
		}
	}

	return nil
}

func bearerHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func keyHeaders(email, key string) map[string]string {
	return map[string]string{"X-Auth-Email": email, "X-Auth-Key": key}
}

// resolve issues the user and accounts lookups concurrently and
// classifies afterward. A failure in either call does not short-circuit
// the other: a token whose user endpoint is down can still resolve to an
// account-scoped identity, and vice versa.
func (c *Client) resolve(ctx context.Context, headers map[string]string) (*authn.User, []authn.Account, error) {
	var (
		user        authn.User
		accounts    []authn.Account
		userErr     error
		accountsErr error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		userErr = c.get(gctx, "/user", headers, &user)
		return nil
	})

	g.Go(func() error {
		accountsErr = c.get(gctx, "/accounts", headers, &accounts)
		return nil
	})

	_ = g.Wait()

	if userErr != nil && accountsErr != nil {
		return nil, nil, fmt.Errorf("identity lookup failed: %w", userErr)
	}

	var u *authn.User
	if userErr == nil && user.ID != "" {
		u = &user
	}

	if accountsErr != nil {
		accounts = nil
	}

	if u == nil && len(accounts) == 0 {
		return nil, nil, fmt.Errorf("token resolves to neither a user nor any account")
	}

	return u, accounts, nil
}

// ResolveToken looks up the identity behind a bearer token.
func (c *Client) ResolveToken(ctx context.Context, token string) (*authn.User, []authn.Account, error) {
	return c.resolve(ctx, bearerHeaders(token))
}

// ResolveKey looks up the identity behind a legacy email + API key pair.
// Unlike tokens, a key is always user-scoped, so a missing user is a
// hard failure regardless of what the accounts endpoint returned.
func (c *Client) ResolveKey(ctx context.Context, email, key string) (*authn.User, []authn.Account, error) {
	user, accounts, err := c.resolve(ctx, keyHeaders(email, key))
	if err != nil {
		return nil, nil, err
	}

	if user == nil {
		return nil, nil, fmt.Errorf("API key does not resolve to a user")
	}

	return user, accounts, nil
}
