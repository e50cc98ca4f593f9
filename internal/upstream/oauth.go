package upstream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Token is the upstream token pair returned by exchange and refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// OAuth drives the three-legged flow against the upstream provider.
// PKCE (S256) is applied to every authorization request.
type OAuth struct {
	cfg  oauth2.Config
	http *http.Client
}

// NewOAuth builds the upstream OAuth client. redirectURL is this
// server's /oauth/callback. A nil httpClient uses oauth2's default.
func NewOAuth(clientID, clientSecret, authURL, tokenURL, redirectURL string, httpClient *http.Client) *OAuth {
	return &OAuth{
		cfg: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		http: httpClient,
	}
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthCodeURL builds the upstream authorization redirect for one
// request: response_type=code, the finalized scope list, and the S256
// challenge derived from verifier.
func (o *OAuth) AuthCodeURL(state string, scopes []string, verifier string) string {
	cfg := o.cfg
	cfg.Scopes = scopes

	return cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code plus its PKCE verifier for an
// upstream token pair.
func (o *OAuth) Exchange(ctx context.Context, code, verifier string) (*Token, error) {
	tok, err := o.cfg.Exchange(o.context(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}

	return fromOAuth2(tok), nil
}

// Refresh renews an upstream token pair from a refresh token. When the
// provider rotates refresh tokens, the new one is returned; otherwise
// the input token is carried forward.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	src := o.cfg.TokenSource(o.context(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing upstream token: %w", err)
	}

	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}

	return out, nil
}

// context injects the configured HTTP client for oauth2's transport.
func (o *OAuth) context(ctx context.Context) context.Context {
	if o.http == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, o.http)
}

func fromOAuth2(tok *oauth2.Token) *Token {
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}
