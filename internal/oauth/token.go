package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken returns the /token handler. authorization_code exchanges
// a gateway code (with the MCP client's own PKCE verifier) for a
// gateway token pair; refresh_token renews the upstream credential and
// rotates the pair.
func (h *Handlers) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Support both JSON and form-encoded bodies.
		var req tokenRequest
		if r.Header.Get("Content-Type") == "application/json" {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}

			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				RedirectURI:  r.FormValue("redirect_uri"),
				CodeVerifier: r.FormValue("code_verifier"),
				ClientID:     r.FormValue("client_id"),
				RefreshToken: r.FormValue("refresh_token"),
			}
		}

		switch req.GrantType {
		case "authorization_code":
			h.exchangeCode(w, &req)
		case "refresh_token":
			h.refreshGrant(w, r, &req)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
		}
	}
}

func (h *Handlers) exchangeCode(w http.ResponseWriter, req *tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	code := h.store.ConsumeCode(req.Code)
	if code == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if code.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	// The MCP client's own PKCE challenge, distinct from the one this
	// server used upstream.
	if code.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}

		if !verifyPKCE(req.CodeVerifier, code.CodeChallenge) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	access, refresh, err := h.store.CreateGrant(code.ClientID, &code.Props)
	if err != nil {
		h.logger.Error("creating grant", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue token")

		return
	}

	h.writeTokens(w, access, refresh, code.Props.ExpiresAt, code.Scopes)
}

func (h *Handlers) refreshGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	grant, err := h.store.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid refresh token")
		return
	}

	// Stored props came off disk; re-validate the shape and confirm
	// this is actually a refreshable delegated grant before trusting
	// the embedded upstream refresh token.
	if err := grant.Props.Validate(); err != nil {
		h.logger.Error("stored grant failed validation on refresh",
			slog.String("grant_id", grant.ID),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "stored grant is corrupted")

		return
	}

	if grant.Props.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "grant is not refreshable")
		return
	}

	tok, err := h.auth.Refresh(r.Context(), grant.Props.RefreshToken)
	if err != nil {
		h.logger.Warn("upstream refresh failed",
			slog.String("grant_id", grant.ID),
			slog.String("error", err.Error()),
		)
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "upstream refresh failed")

		return
	}

	// Identity fields stay untouched; only the token material and its
	// expiry move forward.
	props := grant.Props
	props.AccessToken = tok.AccessToken
	props.RefreshToken = tok.RefreshToken
	props.ExpiresAt = tok.Expiry

	access, refresh, err := h.store.RotateGrant(grant, &props)
	if err != nil {
		h.logger.Error("rotating grant", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "could not rotate token")

		return
	}

	h.writeTokens(w, access, refresh, props.ExpiresAt, nil)
}

func (h *Handlers) writeTokens(w http.ResponseWriter, access, refresh string, expiresAt time.Time, scopeList []string) {
	expiresIn := 0
	if !expiresAt.IsZero() {
		expiresIn = int(time.Until(expiresAt).Seconds())
		if expiresIn < 0 {
			expiresIn = 0
		}
	}

	resp := tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: refresh,
	}
	if len(scopeList) > 0 {
		resp.Scope = strings.Join(scopeList, " ")
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256
// method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return computed == challenge
}
