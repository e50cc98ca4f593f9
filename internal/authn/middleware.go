package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// AccountHeader lets callers of ambiguous account-scoped tokens pick
// which account to act on.
const AccountHeader = "X-Account-ID"

// IdentityResolver performs the live upstream identity lookups that
// back direct-credential requests. Satisfied by *upstream.Client.
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (*User, []Account, error)
	ResolveKey(ctx context.Context, email, key string) (*User, []Account, error)
}

// GrantValidator resolves gateway-issued OAuth tokens to their stored
// credential bundle. Satisfied by *oauth.Store.
type GrantValidator interface {
	ValidateAccessToken(token string) (*Props, error)
}

type contextKey int

const ctxProps contextKey = iota

// FromContext returns the credential bundle resolved for this request.
func FromContext(ctx context.Context) (*Props, bool) {
	p, ok := ctx.Value(ctxProps).(*Props)
	return p, ok
}

// WithProps injects a credential bundle into ctx. Used by the
// middleware and by tests exercising handlers below it.
func WithProps(ctx context.Context, p *Props) context.Context {
	return context.WithValue(ctx, ctxProps, p)
}

// Middleware classifies every inbound request into exactly one
// credential bundle, checked in order: global API key headers, direct
// upstream bearer token, gateway-issued OAuth token. Unauthenticated
// requests get a 401 with the WWW-Authenticate header pointing at the
// protected resource metadata (RFC 9728 Section 5.1).
func Middleware(resolver IdentityResolver, grants GrantValidator, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := strings.TrimRight(serverURL, "/") + "/.well-known/oauth-protected-resource"
	wwwAuthNoToken := fmt.Sprintf(`Bearer resource_metadata="%s"`, metadataURL)
	wwwAuthInvalid := fmt.Sprintf(`Bearer error="invalid_token", resource_metadata="%s"`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := requestIP(r)

			email := r.Header.Get("X-Auth-Email")
			key := r.Header.Get("X-Auth-Key")

			if email != "" && key != "" {
				props, err := resolveGlobalKey(r.Context(), resolver, email, key)
				if err != nil {
					logger.Debug("global key authentication failed",
						slog.String("ip", ip),
						slog.String("error", err.Error()),
					)
					w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
					writeAuthError(w, http.StatusUnauthorized, err.Error())

					return
				}

				serveWith(next, w, r, props)

				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("no credentials presented", slog.String("ip", ip), slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", wwwAuthNoToken)
				writeAuthError(w, http.StatusUnauthorized, "authentication required")

				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")

			// Structural routing only: three colon-separated segments
			// look like a gateway token, everything else goes to the
			// upstream as a direct API token. Both paths still validate
			// the token fully.
			if IsDirectAPIToken(token) {
				props, status, err := resolveDirectToken(r.Context(), resolver, token, r.Header.Get(AccountHeader))
				if err != nil {
					logger.Debug("direct token authentication failed",
						slog.String("ip", ip),
						slog.String("error", err.Error()),
					)

					if status == http.StatusUnauthorized {
						w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
					}

					writeAuthError(w, status, err.Error())

					return
				}

				serveWith(next, w, r, props)

				return
			}

			props, err := grants.ValidateAccessToken(token)
			if err != nil {
				logger.Debug("gateway token authentication failed",
					slog.String("ip", ip),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", wwwAuthInvalid)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")

				return
			}

			serveWith(next, w, r, props)
		})
	}
}

func serveWith(next http.Handler, w http.ResponseWriter, r *http.Request, props *Props) {
	next.ServeHTTP(w, r.WithContext(WithProps(r.Context(), props)))
}

// resolveGlobalKey verifies a legacy email + key pair with a live
// identity lookup. The key pair always resolves to a user or fails.
func resolveGlobalKey(ctx context.Context, resolver IdentityResolver, email, key string) (*Props, error) {
	user, accounts, err := resolver.ResolveKey(ctx, email, key)
	if err != nil {
		return nil, err
	}

	if accounts == nil {
		accounts = []Account{}
	}

	props := &Props{
		Kind:     KindGlobalAPIKey,
		Email:    email,
		APIKey:   key,
		User:     user,
		Accounts: accounts,
	}

	if err := props.Validate(); err != nil {
		return nil, err
	}

	return props, nil
}

// resolveDirectToken classifies a direct upstream token. A resolved
// user always wins; otherwise the accessible accounts decide, with
// accountID (from the X-Account-ID header) disambiguating when the
// token can see more than one.
func resolveDirectToken(ctx context.Context, resolver IdentityResolver, token, accountID string) (*Props, int, error) {
	user, accounts, err := resolver.ResolveToken(ctx, token)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}

	if user != nil && user.ID != "" {
		props, err := Build(token, user, accounts)
		if err != nil {
			return nil, http.StatusUnauthorized, err
		}

		return props, 0, nil
	}

	switch {
	case len(accounts) == 0:
		return nil, http.StatusUnauthorized, fmt.Errorf("token resolves to neither a user nor any account")
	case len(accounts) == 1:
		props, err := Build(token, nil, accounts)
		if err != nil {
			return nil, http.StatusUnauthorized, err
		}

		return props, 0, nil
	default:
		if accountID == "" {
			return nil, http.StatusBadRequest, fmt.Errorf("token can access %d accounts, supply %s", len(accounts), AccountHeader)
		}

		for _, a := range accounts {
			if a.ID == accountID {
				account := a

				return &Props{
					Kind:        KindAccountToken,
					AccessToken: token,
					Account:     &account,
				}, 0, nil
			}
		}

		return nil, http.StatusBadRequest, fmt.Errorf("account %s is not accessible with this token", accountID)
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
