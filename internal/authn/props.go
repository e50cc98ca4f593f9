// Package authn classifies inbound requests into exactly one credential
// bundle and makes the resolved identity available to MCP tool handlers.
// It acts as the trust boundary: every bundle is re-validated whenever it
// crosses one (incoming requests, stored grants, refresh callbacks).
package authn

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the credential bundle variants.
type Kind string

const (
	// KindGlobalAPIKey is the legacy email + API key pair.
	KindGlobalAPIKey Kind = "global_api_key"

	// KindAccountToken is a token scoped to exactly one account.
	KindAccountToken Kind = "account_token"

	// KindUserToken is a token scoped to a human identity with zero or
	// more accessible accounts, optionally refreshable.
	KindUserToken Kind = "user_token"
)

// User is the upstream user identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Account is one upstream account the credential can act on.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Props is the resolved credential bundle for one authenticated request.
// Exactly one variant is active, discriminated by Kind. Secrets on this
// struct are never logged and never echoed back to the caller.
type Props struct {
	Kind Kind `json:"kind"`

	// Global API key variant.
	Email  string `json:"email,omitempty"`
	APIKey string `json:"api_key,omitempty"`

	// Token variants.
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`

	// Identity. User XOR Account is populated on token variants;
	// the global key variant always carries a user.
	User     *User     `json:"user,omitempty"`
	Account  *Account  `json:"account,omitempty"`
	Accounts []Account `json:"accounts,omitempty"`
}

// Validate checks the discriminated-union invariants. Deserialized
// bundles (stored grants, refresh props) must never be trusted without
// passing through here.
func (p *Props) Validate() error {
	switch p.Kind {
	case KindGlobalAPIKey:
		if p.Email == "" || p.APIKey == "" {
			return fmt.Errorf("global_api_key bundle requires email and api key")
		}

		if p.User == nil {
			return fmt.Errorf("global_api_key bundle requires a verified user")
		}

		if p.Account != nil {
			return fmt.Errorf("global_api_key bundle must not carry an account identity")
		}
	case KindAccountToken:
		if p.AccessToken == "" {
			return fmt.Errorf("account_token bundle requires an access token")
		}

		if p.Account == nil || p.Account.ID == "" {
			return fmt.Errorf("account_token bundle requires an account identity")
		}

		if p.User != nil {
			return fmt.Errorf("account_token bundle must not carry a user identity")
		}
	case KindUserToken:
		if p.AccessToken == "" {
			return fmt.Errorf("user_token bundle requires an access token")
		}

		if p.User == nil || p.User.ID == "" {
			return fmt.Errorf("user_token bundle requires a user identity")
		}

		if p.Account != nil {
			return fmt.Errorf("user_token bundle must not carry an account identity")
		}
	default:
		return fmt.Errorf("unknown credential kind %q", p.Kind)
	}

	return nil
}

// Build constructs a token-based bundle from a resolved upstream
// identity. A user identity always wins; without one, the first
// accessible account yields an account-scoped bundle.
func Build(accessToken string, user *User, accounts []Account) (*Props, error) {
	if user != nil {
		acc := accounts
		if acc == nil {
			acc = []Account{}
		}

		return &Props{
			Kind:        KindUserToken,
			AccessToken: accessToken,
			User:        user,
			Accounts:    acc,
		}, nil
	}

	if len(accounts) > 0 {
		first := accounts[0]

		return &Props{
			Kind:        KindAccountToken,
			AccessToken: accessToken,
			Account:     &first,
		}, nil
	}

	return nil, fmt.Errorf("token resolves to neither a user nor any account")
}

// UserID returns the identity a grant is keyed on: the user id for
// user-backed bundles, the account id for account-scoped ones.
func (p *Props) UserID() string {
	if p.User != nil {
		return p.User.ID
	}

	if p.Account != nil {
		return p.Account.ID
	}

	return ""
}

// IsDirectAPIToken reports whether a bearer token should be treated as
// a direct upstream API token rather than a gateway-issued OAuth token.
// Gateway tokens are structurally userID:grantID:secret — exactly three
// colon-separated segments. This is a routing heuristic, not a
// cryptographic check; both subsystems still validate the token fully.
func IsDirectAPIToken(token string) bool {
	return len(strings.Split(token, ":")) != 3
}

// ResolveAccount picks the account an execution should act on.
// Account-scoped bundles are fixed at issuance; the other variants
// require disambiguation when more than one account is accessible.
func (p *Props) ResolveAccount(accountID string) (string, error) {
	if p.Kind == KindAccountToken {
		if accountID != "" && accountID != p.Account.ID {
			return "", fmt.Errorf("token is scoped to account %s", p.Account.ID)
		}

		return p.Account.ID, nil
	}

	if accountID != "" {
		for _, a := range p.Accounts {
			if a.ID == accountID {
				return a.ID, nil
			}
		}

		return "", fmt.Errorf("account %s is not accessible with this credential", accountID)
	}

	switch len(p.Accounts) {
	case 0:
		return "", fmt.Errorf("no accounts accessible with this credential")
	case 1:
		return p.Accounts[0].ID, nil
	default:
		return "", fmt.Errorf("multiple accounts accessible, supply account_id")
	}
}
