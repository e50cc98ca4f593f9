package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxClientNameLength = 128

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegistration returns the /register handler. Registration is
// unauthenticated, so it is rate limited and capped; this server never
// issues client secrets (MCP clients are public clients using PKCE).
func (h *Handlers) HandleRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if !h.store.RegistrationAllowed() {
			writeJSONError(w, http.StatusTooManyRequests, "invalid_client_metadata", "registration rate limit exceeded, try again later")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
			return
		}

		clientName := normalizeClientName(req.ClientName)

		clientID := RandomHex(stateTokenBytes)

		accepted, err := h.store.RegisterClient(&Client{
			ClientID:     clientID,
			ClientName:   clientName,
			RedirectURIs: req.RedirectURIs,
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not store client registration")
			return
		}

		if !accepted {
			writeJSONError(w, http.StatusTooManyRequests, "invalid_client_metadata", "client registration limit reached")
			return
		}

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		authMethod := req.TokenEndpointAuthMethod
		if authMethod == "" {
			authMethod = "none"
		}

		resp := registrationResponse{
			ClientID:                clientID,
			ClientName:              clientName,
			RedirectURIs:            req.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: authMethod,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// normalizeClientName NFC-normalizes and bounds the display name so
// visually-confusable Unicode forms collapse to one canonical string
// before it ever appears on a consent screen.
func normalizeClientName(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))

	if len(name) > maxClientNameLength {
		name = name[:maxClientNameLength]
	}

	return name
}
