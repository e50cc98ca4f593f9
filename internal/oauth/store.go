// Package oauth implements the authorization-server surface this
// gateway presents to MCP clients, layered over a delegated consent
// flow against the upstream identity provider. MCP clients register,
// authorize, and exchange codes here; the actual sign-in happens
// upstream, and what this server ultimately holds is a grant binding
// a gateway-issued token to the upstream credential bundle.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/skybridge-mcp/skybridge/internal/authn"
)

const (
	// pendingExpiry bounds how long a browser may sit on the upstream
	// consent page before the flow must be restarted.
	pendingExpiry = 600 * time.Second

	codeExpiry = 5 * time.Minute

	// maxClients caps dynamic registrations so the unauthenticated
	// /register endpoint cannot grow the database without bound.
	maxClients = 100

	cleanupInterval = 5 * time.Minute

	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)
	openTimeout   = 5 * time.Second

	stateTokenBytes = 16
	secretBytes     = 32
)

var (
	pendingBucket = []byte("pending")
	codesBucket   = []byte("codes")
	grantsBucket  = []byte("grants")
	clientsBucket = []byte("clients")
)

// ErrInvalidToken is returned for tokens that do not map to a live
// grant, carry a wrong secret, or whose upstream credential expired.
var ErrInvalidToken = errors.New("invalid or expired token")

// PendingAuth is the state parked between showing the consent page and
// the upstream provider redirecting back. It is keyed by a random
// correlation token and read exactly once.
type PendingAuth struct {
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge"`
	CallerState   string    `json:"caller_state"`
	Scopes        []string  `json:"scopes"`
	Verifier      string    `json:"verifier"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Code is a gateway-issued authorization code awaiting exchange. The
// resolved credential bundle rides along so the token endpoint can
// mint the grant without another upstream round trip.
type Code struct {
	Code          string      `json:"code"`
	ClientID      string      `json:"client_id"`
	RedirectURI   string      `json:"redirect_uri"`
	CodeChallenge string      `json:"code_challenge"`
	UserID        string      `json:"user_id"`
	Scopes        []string    `json:"scopes"`
	Props         authn.Props `json:"props"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// Grant binds a gateway token pair to an upstream credential bundle.
// Only secret hashes are persisted; the raw secrets exist solely in
// the tokens handed to the MCP client.
type Grant struct {
	ID                string      `json:"id"`
	UserID            string      `json:"user_id"`
	ClientID          string      `json:"client_id"`
	SecretHash        string      `json:"secret_hash"`
	RefreshSecretHash string      `json:"refresh_secret_hash"`
	Props             authn.Props `json:"props"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Client is a dynamically registered MCP client.
type Client struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// Store persists all OAuth state in bbolt so grants survive restarts.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
	stopGC chan struct{}

	// registrationTimes rate-limits unauthenticated /register calls.
	mu                sync.Mutex
	registrationTimes []time.Time
}

// NewStore opens the OAuth database and starts the expiry sweeper.
// Call Close to stop it.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating oauth store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening oauth store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{pendingBucket, codesBucket, grantsBucket, clientsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing oauth store: %w", err)
	}

	s := &Store{db: db, logger: logger, stopGC: make(chan struct{})}
	go s.gcLoop()

	return s, nil
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	close(s.stopGC)
	return s.db.Close()
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

// cleanup removes expired pending states and codes. Grants have no
// expiry of their own; their upstream credential expiring is what
// invalidates them.
func (s *Store) cleanup() {
	now := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{pendingBucket, codesBucket} {
			b := tx.Bucket(bucket)

			var stale [][]byte
			_ = b.ForEach(func(k, v []byte) error {
				var entry struct {
					ExpiresAt time.Time `json:"expires_at"`
				}
				if json.Unmarshal(v, &entry) != nil || now.After(entry.ExpiresAt) {
					stale = append(stale, append([]byte(nil), k...))
				}

				return nil
			})

			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Warn("oauth store cleanup failed", slog.String("error", err.Error()))
	}
}

// SavePending parks consent-flow state under a fresh correlation token
// and returns the token. The entry expires whether or not it is read.
func (s *Store) SavePending(p *PendingAuth) (string, error) {
	token := RandomHex(stateTokenBytes)
	p.ExpiresAt = time.Now().Add(pendingExpiry)

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding pending state: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(token), data)
	})
	if err != nil {
		return "", fmt.Errorf("saving pending state: %w", err)
	}

	return token, nil
}

// ConsumePending retrieves and deletes pending state. Returns nil for
// unknown, already-consumed, or expired tokens; the three cases are
// indistinguishable to the caller on purpose.
func (s *Store) ConsumePending(token string) *PendingAuth {
	if token == "" {
		return nil
	}

	var p *PendingAuth

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		v := b.Get([]byte(token))
		if v == nil {
			return nil
		}

		if err := b.Delete([]byte(token)); err != nil {
			return err
		}

		var entry PendingAuth
		if err := json.Unmarshal(v, &entry); err != nil {
			s.logger.Error("corrupted pending state entry", slog.String("error", err.Error()))
			return nil
		}

		if time.Now().After(entry.ExpiresAt) {
			return nil
		}

		p = &entry

		return nil
	})
	if err != nil {
		s.logger.Warn("consuming pending state failed", slog.String("error", err.Error()))
		return nil
	}

	return p
}

// SaveCode stores a gateway authorization code.
func (s *Store) SaveCode(c *Code) error {
	c.ExpiresAt = time.Now().Add(codeExpiry)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding authorization code: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket).Put([]byte(c.Code), data)
	})
}

// ConsumeCode retrieves and deletes an authorization code. Returns nil
// if missing or expired.
func (s *Store) ConsumeCode(code string) *Code {
	if code == "" {
		return nil
	}

	var c *Code

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		v := b.Get([]byte(code))
		if v == nil {
			return nil
		}

		if err := b.Delete([]byte(code)); err != nil {
			return err
		}

		var entry Code
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}

		if time.Now().After(entry.ExpiresAt) {
			return nil
		}

		c = &entry

		return nil
	})
	if err != nil {
		return nil
	}

	return c
}

// CreateGrant persists a new grant for props and returns the token
// pair the MCP client will hold. Both tokens carry the user and grant
// ids in clear and a secret that is only stored hashed.
func (s *Store) CreateGrant(clientID string, props *authn.Props) (accessToken, refreshToken string, err error) {
	if err := props.Validate(); err != nil {
		return "", "", fmt.Errorf("refusing to store invalid credential bundle: %w", err)
	}

	grantID := RandomHex(stateTokenBytes)
	secret := RandomHex(secretBytes)
	refreshSecret := RandomHex(secretBytes)

	grant := &Grant{
		ID:                grantID,
		UserID:            props.UserID(),
		ClientID:          clientID,
		SecretHash:        hashSecret(secret),
		RefreshSecretHash: hashSecret(refreshSecret),
		Props:             *props,
		CreatedAt:         time.Now(),
	}

	if err := s.putGrant(grant); err != nil {
		return "", "", err
	}

	return composeToken(grant.UserID, grantID, secret), composeToken(grant.UserID, grantID, refreshSecret), nil
}

// ValidateAccessToken resolves a gateway access token to its stored
// credential bundle. The stored bundle's shape is re-validated on every
// read; a grant whose upstream token has expired is rejected so the
// client falls back to its refresh token.
func (s *Store) ValidateAccessToken(token string) (*authn.Props, error) {
	grant, secret, err := s.lookupGrant(token)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(grant.SecretHash)) != 1 {
		return nil, ErrInvalidToken
	}

	if err := grant.Props.Validate(); err != nil {
		s.logger.Error("stored grant failed validation",
			slog.String("grant_id", grant.ID),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("stored credential bundle is corrupted: %w", err)
	}

	if !grant.Props.ExpiresAt.IsZero() && time.Now().After(grant.Props.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	props := grant.Props

	return &props, nil
}

// ValidateRefreshToken resolves a gateway refresh token to its grant.
func (s *Store) ValidateRefreshToken(token string) (*Grant, error) {
	grant, secret, err := s.lookupGrant(token)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(grant.RefreshSecretHash)) != 1 {
		return nil, ErrInvalidToken
	}

	return grant, nil
}

// RotateGrant replaces a grant's credential bundle after an upstream
// refresh and issues a fresh token pair, invalidating the old one.
func (s *Store) RotateGrant(grant *Grant, props *authn.Props) (accessToken, refreshToken string, err error) {
	if err := props.Validate(); err != nil {
		return "", "", fmt.Errorf("refusing to store invalid credential bundle: %w", err)
	}

	secret := RandomHex(secretBytes)
	refreshSecret := RandomHex(secretBytes)

	grant.SecretHash = hashSecret(secret)
	grant.RefreshSecretHash = hashSecret(refreshSecret)
	grant.Props = *props

	if err := s.putGrant(grant); err != nil {
		return "", "", err
	}

	return composeToken(grant.UserID, grant.ID, secret), composeToken(grant.UserID, grant.ID, refreshSecret), nil
}

func (s *Store) putGrant(grant *Grant) error {
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("encoding grant: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(grantsBucket).Put([]byte(grant.ID), data)
	})
}

// lookupGrant splits a gateway token and loads its grant, verifying
// the embedded user id. Secret verification is the caller's job since
// access and refresh tokens hash against different fields.
func (s *Store) lookupGrant(token string) (*Grant, string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 3 {
		return nil, "", ErrInvalidToken
	}

	userID, grantID, secret := parts[0], parts[1], parts[2]

	var grant Grant
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(grantsBucket).Get([]byte(grantID))
		if v == nil {
			return nil
		}

		if err := json.Unmarshal(v, &grant); err != nil {
			s.logger.Error("corrupted grant entry", slog.String("grant_id", grantID), slog.String("error", err.Error()))
			return nil
		}

		found = true

		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("loading grant: %w", err)
	}

	if !found || grant.UserID != userID {
		return nil, "", ErrInvalidToken
	}

	return &grant, secret, nil
}

// RegistrationAllowed enforces the 10-per-minute registration rate
// limit.
func (s *Store) RegistrationAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Add(-1 * time.Minute)

	valid := s.registrationTimes[:0]
	for _, t := range s.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}
	s.registrationTimes = valid

	if len(s.registrationTimes) >= 10 {
		return false
	}

	s.registrationTimes = append(s.registrationTimes, now)

	return true
}

// RegisterClient stores a new client. Returns false when the client
// cap is reached.
func (s *Store) RegisterClient(c *Client) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encoding client: %w", err)
	}

	accepted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Stats().KeyN >= maxClients {
			return nil
		}

		accepted = true

		return b.Put([]byte(c.ClientID), data)
	})
	if err != nil {
		return false, fmt.Errorf("saving client: %w", err)
	}

	return accepted, nil
}

// GetClient returns the registered client, or nil.
func (s *Store) GetClient(clientID string) *Client {
	var c *Client

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		var entry Client
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}

		c = &entry

		return nil
	})

	return c
}

func composeToken(userID, grantID, secret string) string {
	return userID + ":" + grantID + ":" + secret
}

func hashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// RandomHex generates a cryptographically random hex string of the
// given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
