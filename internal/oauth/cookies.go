package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	approvedClientsCookie = "skybridge_approved_clients"
	csrfCookie            = "skybridge_csrf"
	sessionCookie         = "skybridge_session"

	approvedClientsExpiry = 365 * 24 * time.Hour
	csrfCookieExpiry      = 10 * time.Minute
	sessionCookieExpiry   = 10 * time.Minute
)

// Cookies signs and verifies the consent-flow cookies. Signing keys
// are derived from the configured cookie secret via HKDF so each
// purpose gets an independent key.
type Cookies struct {
	approvalKey []byte
	secure      bool
}

// NewCookies derives the signing keys from secret. secure controls the
// Secure attribute and should only be false in local development.
func NewCookies(secret string, secure bool) (*Cookies, error) {
	approvalKey, err := deriveKey(secret, "approved-clients")
	if err != nil {
		return nil, err
	}

	return &Cookies{approvalKey: approvalKey, secure: secure}, nil
}

func deriveKey(secret, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))

	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}

	return key, nil
}

func (c *Cookies) set(w http.ResponseWriter, name, value string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c *Cookies) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ApprovedClients reads the signed approval cookie and returns the set
// of client ids the browser's user has previously approved. A missing,
// malformed, or tampered cookie is simply an empty set.
func (c *Cookies) ApprovedClients(r *http.Request) map[string]bool {
	cookie, err := r.Cookie(approvedClientsCookie)
	if err != nil {
		return map[string]bool{}
	}

	payload, ok := c.verify(cookie.Value)
	if !ok {
		return map[string]bool{}
	}

	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		return map[string]bool{}
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	return set
}

// ApproveClient unions clientID into the approval cookie. The merge is
// idempotent, so replayed or retried submissions cannot shrink the set.
func (c *Cookies) ApproveClient(w http.ResponseWriter, r *http.Request, clientID string) error {
	set := c.ApprovedClients(r)
	set[clientID] = true

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encoding approved clients: %w", err)
	}

	c.set(w, approvedClientsCookie, c.sign(payload), approvedClientsExpiry)

	return nil
}

// sign packs payload as signatureHex.base64Payload under the approval
// key.
func (c *Cookies) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.approvalKey)
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil)) + "." + base64.RawURLEncoding.EncodeToString(payload)
}

// verify checks the signature and returns the payload. Any structural
// or signature failure yields ok=false; tampered cookies are treated
// exactly like absent ones.
func (c *Cookies) verify(value string) ([]byte, bool) {
	sigHex, payloadB64, found := strings.Cut(value, ".")
	if !found {
		return nil, false
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return nil, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, false
	}

	mac := hmac.New(sha256.New, c.approvalKey)
	mac.Write(payload)

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, false
	}

	return payload, true
}

// SetCSRF issues a fresh CSRF token as a short-lived cookie and
// returns it for embedding in the form.
func (c *Cookies) SetCSRF(w http.ResponseWriter) string {
	token := RandomHex(stateTokenBytes)
	c.set(w, csrfCookie, token, csrfCookieExpiry)

	return token
}

// CheckCSRF compares the submitted form token against the cookie.
// Both must be present and equal.
func (c *Cookies) CheckCSRF(r *http.Request, formToken string) bool {
	cookie, err := r.Cookie(csrfCookie)
	if err != nil || cookie.Value == "" || formToken == "" {
		return false
	}

	return hmac.Equal([]byte(cookie.Value), []byte(formToken))
}

// BindSession stores a hash of the correlation token in a short-lived
// cookie so the upstream callback can prove it arrived in the same
// browser session that submitted consent. The raw token never touches
// the cookie.
func (c *Cookies) BindSession(w http.ResponseWriter, stateToken string) {
	c.set(w, sessionCookie, hashSecret(stateToken), sessionCookieExpiry)
}

// CheckSession verifies the callback's state token against the session
// binding cookie.
func (c *Cookies) CheckSession(r *http.Request, stateToken string) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return false
	}

	return hmac.Equal([]byte(cookie.Value), []byte(hashSecret(stateToken)))
}

// ClearSession drops the session binding cookie once the flow
// completes.
func (c *Cookies) ClearSession(w http.ResponseWriter) {
	c.clear(w, sessionCookie)
}
