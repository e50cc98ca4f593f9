package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/skybridge-mcp/skybridge/internal/authn"
	"github.com/skybridge-mcp/skybridge/internal/scopes"
	"github.com/skybridge-mcp/skybridge/internal/upstream"
)

const maxRequestBody = 1 << 20

// UpstreamAuth drives the three-legged flow against the upstream
// provider. Satisfied by *upstream.OAuth; an interface so tests can
// run the full consent dance against a fake.
type UpstreamAuth interface {
	AuthCodeURL(state string, scopeList []string, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*upstream.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*upstream.Token, error)
}

// IdentityResolver fetches who a fresh upstream token belongs to.
// Satisfied by *upstream.Client.
type IdentityResolver interface {
	ResolveToken(ctx context.Context, token string) (*authn.User, []authn.Account, error)
}

// Handlers holds the shared dependencies of every OAuth endpoint.
type Handlers struct {
	store    *Store
	cookies  *Cookies
	auth     UpstreamAuth
	identity IdentityResolver
	logger   *slog.Logger

	// serverURL is this gateway's canonical public URL, used as the
	// OAuth issuer and resource identifier.
	serverURL string
}

// NewHandlers wires the OAuth endpoint set.
func NewHandlers(store *Store, cookies *Cookies, auth UpstreamAuth, identity IdentityResolver, logger *slog.Logger, serverURL string) *Handlers {
	return &Handlers{
		store:     store,
		cookies:   cookies,
		auth:      auth,
		identity:  identity,
		logger:    logger,
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// consentPage renders the scope-selection dialog. Templates are
// presets; the advanced panel lists every scope grouped by category.
// Required scopes are granted regardless of selection so they are not
// shown as choices.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Skybridge</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
    padding: 2rem 0;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 480px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent .redirect { color: #666; word-break: break-all; }
  fieldset { border: none; margin-bottom: 1rem; }
  .template {
    display: block;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    margin-bottom: 0.5rem;
    font-size: 0.85rem;
    cursor: pointer;
  }
  .template .desc { color: #666; display: block; margin-top: 0.2rem; }
  details { font-size: 0.85rem; margin-bottom: 1rem; }
  details summary { cursor: pointer; color: #2563eb; margin-bottom: 0.5rem; }
  .category { font-weight: 600; margin: 0.75rem 0 0.25rem; }
  .scope { display: block; padding: 0.15rem 0; color: #333; }
  .scope .desc { color: #888; }
  .cap { font-size: 0.75rem; color: #888; margin-bottom: 1rem; }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button:hover { background: #333; }
</style>
</head>
<body>
<div class="card">
  <h1>Skybridge</h1>
  <p class="sub">An application is requesting access to your account through this gateway.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
    {{if .RedirectURI}}<p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
  </div>
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <fieldset>
      {{range .Templates}}
      <label class="template">
        <input type="radio" name="template" value="{{.Name}}"{{if .Default}} checked{{end}}>
        <strong>{{.Name}}</strong>
        <span class="desc">{{.Description}}</span>
      </label>
      {{end}}
    </fieldset>
    <details>
      <summary>Advanced: choose individual permissions</summary>
      {{range .Categories}}
      <div class="category">{{.Name}}</div>
      {{range .Scopes}}
      <label class="scope">
        <input type="checkbox" name="scopes" value="{{.Name}}">
        <code>{{.Name}}</code> <span class="desc">{{.Description}}</span>
      </label>
      {{end}}
      {{end}}
    </details>
    <p class="cap">At most {{.MaxScopes}} permissions can be granted per authorization.</p>
    <button type="submit">Approve</button>
  </form>
</div>
</body>
</html>`))

type consentTemplate struct {
	Name        string
	Description string
	Default     bool
}

type consentCategory struct {
	Name   string
	Scopes []scopes.Scope
}

type consentData struct {
	CSRFToken           string
	ClientID            string
	ClientName          string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Templates           []consentTemplate
	Categories          []consentCategory
	MaxScopes           int
}

// upstreamState is the JSON payload carried in the upstream provider's
// state parameter. Only the correlation token matters to us; the
// structure leaves room for the provider to reflect it back intact.
type upstreamState struct {
	State string `json:"state"`
}

func encodeUpstreamState(token string) string {
	data, _ := json.Marshal(upstreamState{State: token})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeUpstreamState(value string) (string, bool) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", false
	}

	var s upstreamState
	if err := json.Unmarshal(data, &s); err != nil || s.State == "" {
		return "", false
	}

	return s.State, true
}

// HandleAuthorize returns the /authorize handler.
func (h *Handlers) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.authorizeGET(w, r)
		case http.MethodPost:
			h.authorizePOST(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// validateAuthRequest checks the client, redirect URI, and PKCE
// parameters shared by the GET and POST paths. On failure it has
// already written the response.
func (h *Handlers) validateAuthRequest(w http.ResponseWriter, r *http.Request, clientID, redirectURI, responseType, codeChallenge, codeChallengeMethod, state string) (*Client, string, bool) {
	if clientID == "" {
		writeHTMLError(w, http.StatusBadRequest, "The authorization request is missing a client_id.")
		return nil, "", false
	}

	client := h.store.GetClient(clientID)
	if client == nil {
		writeHTMLError(w, http.StatusBadRequest, "Unknown client_id.")
		return nil, "", false
	}

	if redirectURI == "" {
		// RFC 6749 Section 3.1.2.3: when only one redirect URI is
		// registered, use it. Otherwise require an explicit value.
		if len(client.RedirectURIs) == 1 {
			redirectURI = client.RedirectURIs[0]
		} else {
			writeHTMLError(w, http.StatusBadRequest, "redirect_uri is required when multiple URIs are registered.")
			return nil, "", false
		}
	} else if !validateRedirectURI(client, redirectURI) {
		writeHTMLError(w, http.StatusBadRequest, "redirect_uri is not registered for this client.")
		return nil, "", false
	}

	// Errors past redirect validation go back to the client as query
	// parameters per RFC 6749 Section 4.1.2.1.
	if responseType != "code" {
		errCode := "unsupported_response_type"
		if responseType == "" {
			errCode = "invalid_request"
		}

		redirectWithError(w, r, redirectURI, state, errCode, "response_type must be \"code\"")

		return nil, "", false
	}

	if codeChallenge == "" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return nil, "", false
	}

	if codeChallengeMethod != "" && codeChallengeMethod != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
		return nil, "", false
	}

	return client, redirectURI, true
}

func (h *Handlers) authorizeGET(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	state := q.Get("state")
	codeChallenge := q.Get("code_challenge")

	client, redirectURI, ok := h.validateAuthRequest(w, r,
		clientID, q.Get("redirect_uri"), q.Get("response_type"),
		codeChallenge, q.Get("code_challenge_method"), state)
	if !ok {
		return
	}

	// A previously approved client skips consent entirely and gets
	// the default scope template.
	if h.cookies.ApprovedClients(r)[clientID] {
		h.logger.Info("client previously approved, skipping consent", slog.String("client_id", clientID))
		h.redirectUpstream(w, r, &PendingAuth{
			ClientID:      clientID,
			RedirectURI:   redirectURI,
			CodeChallenge: codeChallenge,
			CallerState:   state,
			Scopes:        scopes.Sanitize(scopes.Default().Scopes),
		})

		return
	}

	categories := make([]consentCategory, 0, len(scopes.Categories()))
	for _, cat := range scopes.Categories() {
		categories = append(categories, consentCategory{Name: cat, Scopes: scopes.ByCategory(cat)})
	}

	templates := make([]consentTemplate, 0, len(scopes.Templates()))
	for _, t := range scopes.Templates() {
		templates = append(templates, consentTemplate{
			Name:        t.Name,
			Description: t.Description,
			Default:     t.Default,
		})
	}

	data := consentData{
		CSRFToken:           h.cookies.SetCSRF(w),
		ClientID:            clientID,
		ClientName:          client.ClientName,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Templates:           templates,
		Categories:          categories,
		MaxScopes:           scopes.MaxRequestScopes,
	}

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	_ = consentPage.Execute(w, data)
}

func (h *Handlers) authorizePOST(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeHTMLError(w, http.StatusBadRequest, "Invalid form data.")
		return
	}

	// CSRF first. A mismatch may be a cross-site attack, so answer
	// with a plain error rather than redirecting anywhere the forged
	// form chose.
	if !h.cookies.CheckCSRF(r, r.FormValue("csrf_token")) {
		h.logger.Warn("consent CSRF mismatch, possible cross-site attack",
			slog.String("client_id", r.FormValue("client_id")),
			slog.String("ip", remoteIP(r)),
		)
		writeHTMLError(w, http.StatusForbidden, "Invalid or expired CSRF token. Restart the authorization flow.")

		return
	}

	clientID := r.FormValue("client_id")
	state := r.FormValue("state")
	codeChallenge := r.FormValue("code_challenge")

	// Form values are caller-controlled; re-validate everything.
	_, redirectURI, ok := h.validateAuthRequest(w, r,
		clientID, r.FormValue("redirect_uri"), "code",
		codeChallenge, r.FormValue("code_challenge_method"), state)
	if !ok {
		return
	}

	granted := h.grantedScopes(r)

	if err := h.cookies.ApproveClient(w, r, clientID); err != nil {
		h.logger.Error("recording client approval", slog.String("error", err.Error()))
		writeHTMLError(w, http.StatusInternalServerError, "Something went wrong. Try again.")

		return
	}

	h.redirectUpstream(w, r, &PendingAuth{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		CallerState:   state,
		Scopes:        granted,
	})
}

// grantedScopes applies the consent form's scope policy: submitted
// checkboxes are the authoritative selection when any are present;
// otherwise the chosen template; otherwise the default template. The
// result is always sanitized against the catalog and the request cap.
func (h *Handlers) grantedScopes(r *http.Request) []string {
	if selected := r.Form["scopes"]; len(selected) > 0 {
		return scopes.Sanitize(selected)
	}

	if name := r.FormValue("template"); name != "" {
		if t, ok := scopes.TemplateByName(name); ok {
			return scopes.Sanitize(t.Scopes)
		}
	}

	return scopes.Sanitize(scopes.Default().Scopes)
}

// redirectUpstream persists pending state, binds it to the browser
// session, and sends the user-agent to the upstream provider.
func (h *Handlers) redirectUpstream(w http.ResponseWriter, r *http.Request, pending *PendingAuth) {
	pending.Verifier = upstream.GenerateVerifier()

	token, err := h.store.SavePending(pending)
	if err != nil {
		h.logger.Error("saving pending authorization", slog.String("error", err.Error()))
		writeHTMLError(w, http.StatusInternalServerError, "Something went wrong. Try again.")

		return
	}

	h.cookies.BindSession(w, token)

	target := h.auth.AuthCodeURL(encodeUpstreamState(token), pending.Scopes, pending.Verifier)
	http.Redirect(w, r, target, http.StatusFound)
}

// redirectWithError sends the user-agent back to the MCP client with
// an error response per RFC 6749 Section 4.1.2.1. Only called after
// client_id and redirect_uri validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
}

// validateRedirectURI checks redirectURI against the client's
// registered URIs. HTTPS URIs require an exact match; loopback URIs
// may vary port and path per RFC 8252 Section 7.3. Clients with no
// registered URIs are limited to loopback redirects.
func validateRedirectURI(client *Client, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix reports whether the URI is an HTTP loopback prefix
// without a port or path, suitable for prefix matching per RFC 8252
// Section 7.3.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect parses both URIs and compares scheme and hostname
// to prevent DNS confusion (e.g. 127.0.0.1.evil.com).
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
