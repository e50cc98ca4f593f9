// Package server provides HTTP server construction for skybridge.
package server

import (
	"log/slog"
	"net/http"

	"github.com/skybridge-mcp/skybridge/internal/authn"
	"github.com/skybridge-mcp/skybridge/internal/oauth"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	OAuth      *oauth.Handlers
	Resolver   authn.IdentityResolver
	Grants     authn.GrantValidator
	MCPHandler http.Handler
	Logger     *slog.Logger
	ServerURL  string
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, callback, token, and MCP endpoints. The MCP endpoint
// is protected by the credential-classifying middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", cfg.OAuth.HandleProtectedResourceMetadata())
	mux.HandleFunc("/.well-known/oauth-authorization-server", cfg.OAuth.HandleServerMetadata())
	mux.HandleFunc("/register", cfg.OAuth.HandleRegistration())
	mux.HandleFunc("/authorize", cfg.OAuth.HandleAuthorize())
	mux.HandleFunc("/token", cfg.OAuth.HandleToken())
	mux.HandleFunc("/oauth/callback", cfg.OAuth.HandleCallback())

	authMiddleware := authn.Middleware(cfg.Resolver, cfg.Grants, cfg.Logger, cfg.ServerURL)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
