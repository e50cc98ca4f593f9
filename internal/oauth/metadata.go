package oauth

import (
	"encoding/json"
	"net/http"

	"github.com/skybridge-mcp/skybridge/internal/scopes"
)

// ProtectedResourceMetadata is the RFC 9728 response.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

func scopeNames() []string {
	catalog := scopes.Catalog()

	names := make([]string, 0, len(catalog))
	for _, s := range catalog {
		names = append(names, s.Name)
	}

	return names
}

// HandleProtectedResourceMetadata returns the
// /.well-known/oauth-protected-resource handler.
func (h *Handlers) HandleProtectedResourceMetadata() http.HandlerFunc {
	meta := ProtectedResourceMetadata{
		Resource:               h.serverURL,
		AuthorizationServers:   []string{h.serverURL},
		ScopesSupported:        scopeNames(),
		BearerMethodsSupported: []string{"header"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}

// HandleServerMetadata returns the
// /.well-known/oauth-authorization-server handler.
func (h *Handlers) HandleServerMetadata() http.HandlerFunc {
	meta := ServerMetadata{
		Issuer:                            h.serverURL,
		AuthorizationEndpoint:             h.serverURL + "/authorize",
		TokenEndpoint:                     h.serverURL + "/token",
		RegistrationEndpoint:              h.serverURL + "/register",
		ScopesSupported:                   scopeNames(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
