package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// APIKeyPrefix is the required prefix for MCP API keys.
	APIKeyPrefix = "ums_"

	// APIKeyMinLen is the prefix plus 32 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Config holds all environment-based configuration for the UMS client.
type Config struct {
	// Backend REST API.
	APIBaseURL   string        `env:"UMS_API_BASE_URL"`
	APITimeout   time.Duration `env:"UMS_API_TIMEOUT" envDefault:"30s"`
	APIRetries   int           `env:"UMS_API_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"UMS_RETRY_BACKOFF" envDefault:"1s"`

	// RefreshTimeout bounds a single token refresh. Requests waiting on a
	// refresh fail once it elapses.
	RefreshTimeout time.Duration `env:"UMS_REFRESH_TIMEOUT" envDefault:"15s"`

	// Persistent session storage. Defaults to ~/.ums/state.db.
	StatePath string `env:"UMS_STATE_PATH"`

	// StatePassphrase enables at-rest sealing of token values.
	StatePassphrase string `env:"UMS_STATE_PASSPHRASE"`

	MinPasswordLength int  `env:"UMS_MIN_PASSWORD_LENGTH" envDefault:"8"`
	SSODiscovery      bool `env:"UMS_SSO_DISCOVERY" envDefault:"true"`

	// External identity provider (required when SSO is enabled).
	EnableSSO        bool   `env:"UMS_ENABLE_SSO" envDefault:"false"`
	OIDCIssuer       string `env:"UMS_OIDC_ISSUER"`
	OIDCClientID     string `env:"UMS_OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"UMS_OIDC_CLIENT_SECRET"`
	OIDCRedirectURL  string `env:"UMS_OIDC_REDIRECT_URL"`

	// Console daemon.
	ConsoleListenAddr string `env:"UMS_CONSOLE_LISTEN_ADDR" envDefault:":8085"`
	LoginRatePerMin   int    `env:"UMS_LOGIN_RATE" envDefault:"5"`

	// MCP endpoint on the console (requires at least one API key).
	EnableMCP  bool   `env:"UMS_ENABLE_MCP" envDefault:"false"`
	MCPAPIKeys string `env:"UMS_MCP_API_KEYS"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"UMS_LOG_LEVEL"`
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

	cfg.APIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("UMS_API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UMS_API_BASE_URL must be an absolute http(s) URL")
	}

	if c.APITimeout <= 0 {
		return fmt.Errorf("UMS_API_TIMEOUT must be positive")
	}

	if c.RefreshTimeout <= 0 {
		return fmt.Errorf("UMS_REFRESH_TIMEOUT must be positive")
	}

	if c.APIRetries < 1 {
		return fmt.Errorf("UMS_API_RETRIES must be at least 1")
	}

	if c.MinPasswordLength < 1 {
		return fmt.Errorf("UMS_MIN_PASSWORD_LENGTH must be at least 1")
	}

	if c.LoginRatePerMin < 1 {
		return fmt.Errorf("UMS_LOGIN_RATE must be at least 1")
	}

	if c.EnableSSO {
		if c.OIDCIssuer == "" {
			return fmt.Errorf("UMS_OIDC_ISSUER is required when SSO is enabled")
		}

		if c.OIDCClientID == "" {
			return fmt.Errorf("UMS_OIDC_CLIENT_ID is required when SSO is enabled")
		}

		if c.OIDCRedirectURL == "" {
			return fmt.Errorf("UMS_OIDC_REDIRECT_URL is required when SSO is enabled")
		}
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("UMS_MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStatePath returns ~/.ums/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ums", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and the operator name it
// identifies, parsed from UMS_MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the UMS_MCP_API_KEYS string.
// Format: "user1:ums_key1,user2:ums_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if len(key) < APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, APIKeyMinLen)
		}

		if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in UMS_MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
