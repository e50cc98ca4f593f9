package oauth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/skybridge-mcp/skybridge/internal/authn"
)

// HandleCallback returns the /oauth/callback handler: the upstream
// provider's redirect target. It recovers the pending authorization by
// correlation token, proves session continuity via the binding cookie,
// exchanges the upstream code, resolves the new token's identity, and
// finally sends the browser back to the MCP client with a gateway
// authorization code.
func (h *Handlers) HandleCallback() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		if errCode := q.Get("error"); errCode != "" {
			h.logger.Warn("upstream authorization denied",
				slog.String("error", errCode),
				slog.String("description", q.Get("error_description")),
			)
			writeHTMLError(w, http.StatusBadRequest, "The upstream provider denied the authorization request.")

			return
		}

		code := q.Get("code")
		if code == "" {
			writeHTMLError(w, http.StatusBadRequest, "The callback is missing an authorization code.")
			return
		}

		stateToken, ok := decodeUpstreamState(q.Get("state"))
		if !ok {
			writeHTMLError(w, http.StatusBadRequest, "The callback carries a malformed state parameter.")
			return
		}

		// Session binding before anything is consumed: a mismatch means
		// this browser never submitted the consent form, which reads as
		// a login-CSRF or state-fixation attempt.
		if !h.cookies.CheckSession(r, stateToken) {
			h.logger.Warn("callback session binding mismatch, possible CSRF attack",
				slog.String("ip", remoteIP(r)),
			)
			writeHTMLError(w, http.StatusForbidden, "This authorization was not started in this browser session. Restart the flow.")

			return
		}

		// Single use: the pending entry is deleted on read, so a
		// replayed callback finds nothing.
		pending := h.store.ConsumePending(stateToken)
		if pending == nil {
			writeHTMLError(w, http.StatusBadRequest, "The authorization request expired or was already completed. Restart the flow.")
			return
		}

		// Stored state is server-written; holes in it mean corruption,
		// not caller fault.
		if pending.ClientID == "" || pending.Verifier == "" {
			h.logger.Error("pending authorization state is malformed",
				slog.String("client_id", pending.ClientID),
			)
			writeHTMLError(w, http.StatusInternalServerError, "Something went wrong. Restart the authorization flow.")

			return
		}

		ctx := r.Context()

		tok, err := h.auth.Exchange(ctx, code, pending.Verifier)
		if err != nil {
			h.logger.Error("upstream code exchange failed", slog.String("error", err.Error()))
			writeHTMLError(w, http.StatusInternalServerError, "Could not complete the authorization with the upstream provider.")

			return
		}

		user, accounts, err := h.identity.ResolveToken(ctx, tok.AccessToken)
		if err != nil {
			h.logger.Error("resolving identity for fresh upstream token", slog.String("error", err.Error()))
			writeHTMLError(w, http.StatusInternalServerError, "Could not resolve your identity with the upstream provider.")

			return
		}

		// Delegated grants are always user-scoped.
		if user == nil || user.ID == "" {
			h.logger.Error("upstream token resolved without a user identity")
			writeHTMLError(w, http.StatusInternalServerError, "Could not resolve your identity with the upstream provider.")

			return
		}

		props := &authn.Props{
			Kind:         authn.KindUserToken,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
			User:         user,
			Accounts:     accounts,
		}
		if props.Accounts == nil {
			props.Accounts = []authn.Account{}
		}

		grantCode := RandomHex(secretBytes)
		err = h.store.SaveCode(&Code{
			Code:          grantCode,
			ClientID:      pending.ClientID,
			RedirectURI:   pending.RedirectURI,
			CodeChallenge: pending.CodeChallenge,
			UserID:        user.ID,
			Scopes:        pending.Scopes,
			Props:         *props,
		})
		if err != nil {
			h.logger.Error("saving authorization code", slog.String("error", err.Error()))
			writeHTMLError(w, http.StatusInternalServerError, "Something went wrong. Restart the authorization flow.")

			return
		}

		h.logger.Info("authorization completed",
			slog.String("client_id", pending.ClientID),
			slog.String("user_id", user.ID),
			slog.Int("scopes", len(pending.Scopes)),
		)

		h.cookies.ClearSession(w)

		params := url.Values{}
		params.Set("code", grantCode)

		if pending.CallerState != "" {
			params.Set("state", pending.CallerState)
		}

		params.Set("iss", h.serverURL)

		sep := "?"
		if strings.Contains(pending.RedirectURI, "?") {
			sep = "&"
		}

		http.Redirect(w, r, pending.RedirectURI+sep+params.Encode(), http.StatusFound)
	}
}
