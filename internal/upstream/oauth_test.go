package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenEndpoint(t *testing.T, handler func(url.Values) string) (*httptest.Server, *url.Values) {
	t.Helper()

	var lastForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		lastForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(r.PostForm)))
	}))
	t.Cleanup(srv.Close)

	return srv, &lastForm
}

func TestAuthCodeURL(t *testing.T) {
	o := NewOAuth("client-1", "", "https://idp.example.com/authorize", "https://idp.example.com/token", "https://gateway.example.com/oauth/callback", nil)

	verifier := GenerateVerifier()
	raw := o.AuthCodeURL("state-token", []string{"zone:read", "dns:read"}, verifier)

	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "idp.example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "zone:read dns:read", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotEqual(t, verifier, q.Get("code_challenge"), "challenge must be hashed, not the raw verifier")
}

func TestExchange(t *testing.T) {
	srv, form := tokenEndpoint(t, func(url.Values) string {
		return `{"access_token":"up-access","refresh_token":"up-refresh","token_type":"bearer","expires_in":3600}`
	})

	o := NewOAuth("client-1", "", srv.URL+"/authorize", srv.URL+"/token", "https://gateway.example.com/oauth/callback", srv.Client())

	verifier := GenerateVerifier()
	tok, err := o.Exchange(context.Background(), "auth-code", verifier)
	require.NoError(t, err)

	assert.Equal(t, "up-access", tok.AccessToken)
	assert.Equal(t, "up-refresh", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())

	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, verifier, form.Get("code_verifier"))
}

func TestExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	o := NewOAuth("client-1", "", srv.URL+"/authorize", srv.URL+"/token", "https://gateway.example.com/oauth/callback", srv.Client())

	_, err := o.Exchange(context.Background(), "bad-code", GenerateVerifier())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchanging authorization code")
}

func TestRefresh(t *testing.T) {
	srv, form := tokenEndpoint(t, func(url.Values) string {
		return `{"access_token":"up-access-2","refresh_token":"up-refresh-2","token_type":"bearer","expires_in":3600}`
	})

	o := NewOAuth("client-1", "", srv.URL+"/authorize", srv.URL+"/token", "https://gateway.example.com/oauth/callback", srv.Client())

	tok, err := o.Refresh(context.Background(), "up-refresh")
	require.NoError(t, err)

	assert.Equal(t, "up-access-2", tok.AccessToken)
	assert.Equal(t, "up-refresh-2", tok.RefreshToken)

	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "up-refresh", form.Get("refresh_token"))
}

func TestRefreshKeepsTokenWhenNotRotated(t *testing.T) {
	srv, _ := tokenEndpoint(t, func(url.Values) string {
		return `{"access_token":"up-access-2","token_type":"bearer","expires_in":3600}`
	})

	o := NewOAuth("client-1", "", srv.URL+"/authorize", srv.URL+"/token", "https://gateway.example.com/oauth/callback", srv.Client())

	tok, err := o.Refresh(context.Background(), "up-refresh")
	require.NoError(t, err)

	assert.Equal(t, "up-refresh", tok.RefreshToken, "provider did not rotate, keep the old refresh token")
}
