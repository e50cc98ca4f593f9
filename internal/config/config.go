// Package config loads environment-based configuration for skybridge.
// Everything the core needs (upstream URLs, secrets, store paths) is
// carried on this struct and injected explicitly; no package reads the
// environment on its own.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for skybridge.
type Config struct {
	// HTTP server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerURL  string `env:"SERVER_URL"`

	// Upstream API the execute tool proxies to.
	APIBaseURL  string `env:"API_BASE_URL"`
	GraphQLPath string `env:"API_GRAPHQL_PATH" envDefault:"/client/v4/graphql"`

	// Upstream OAuth provider (three-legged flow).
	OAuthClientID     string `env:"UPSTREAM_OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"UPSTREAM_OAUTH_CLIENT_SECRET"`
	OAuthAuthURL      string `env:"UPSTREAM_OAUTH_AUTH_URL"`
	OAuthTokenURL     string `env:"UPSTREAM_OAUTH_TOKEN_URL"`

	// CookieSecret is the master secret for cookie signing and state
	// hashing. Signing keys are derived from it, never used raw.
	CookieSecret string `env:"COOKIE_SECRET"`

	// AllowedHosts is the comma-separated outbound hostname allow-list
	// for sandboxed code. The upstream API host is always permitted.
	AllowedHosts string `env:"ALLOWED_HOSTS"`

	// DataDir holds the bbolt databases and the spec drop directory.
	DataDir     string `env:"DATA_DIR" envDefault:""`
	SpecDropDir string `env:"SPEC_DROP_DIR" envDefault:""`

	// Environment controls log format; LogLevel the verbosity.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.DataDir = filepath.Join(home, ".skybridge")
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	if cfg.SpecDropDir == "" {
		cfg.SpecDropDir = filepath.Join(cfg.DataDir, "specs")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("API_BASE_URL is not a valid URL")
	}

	if c.CookieSecret == "" {
		return fmt.Errorf("COOKIE_SECRET is required")
	}

	if len(c.CookieSecret) < 32 {
		return fmt.Errorf("COOKIE_SECRET must be at least 32 characters")
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("UPSTREAM_OAUTH_CLIENT_ID is required")
	}

	if c.OAuthAuthURL == "" || c.OAuthTokenURL == "" {
		return fmt.Errorf("UPSTREAM_OAUTH_AUTH_URL and UPSTREAM_OAUTH_TOKEN_URL are required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIHost returns the hostname of the upstream API base URL.
func (c *Config) APIHost() string {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return ""
	}

	return u.Hostname()
}

// ParseAllowedHosts parses the ALLOWED_HOSTS list. The upstream API
// host is always included, so an empty setting still permits the one
// host the request capability targets.
func (c *Config) ParseAllowedHosts() []string {
	seen := make(map[string]struct{})

	var hosts []string

	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return
		}

		if _, dup := seen[h]; dup {
			return
		}

		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}

	add(c.APIHost())

	for _, h := range strings.Split(c.AllowedHosts, ",") {
		add(h)
	}

	return hosts
}
