package fxa

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded client defaults
const (
	DefaultRequestTimeout = 30 * time.Second
)

// Config captures the client configuration loaded from YAML and environment
// variables.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Features FeaturesConfig `yaml:"features"`
}

// APIConfig points the client at the authentication endpoints.
type APIConfig struct {
	// AuthBaseURL is the handshake endpoint that hands out the OAuth
	// parameters for the flow.
	AuthBaseURL string `yaml:"auth_base_url"`
	// AccountsBaseURL is the base URL of the accounts API; versioned paths
	// (/v1/...) are appended to it.
	AccountsBaseURL string `yaml:"accounts_base_url"`
	// RequestTimeout is a Go duration string, e.g. "30s".
	RequestTimeout string `yaml:"request_timeout"`
}

// Timeout returns the parsed request timeout, falling back to the default.
func (a APIConfig) Timeout() time.Duration {
	return parseDuration(a.RequestTimeout, DefaultRequestTimeout)
}

// FeaturesConfig holds the feature gates the flow consults.
type FeaturesConfig struct {
	// InAppAccountCreate allows creating an account without leaving the app.
	// When disabled, a nonexistent account falls back to the browser flow.
	InAppAccountCreate bool `yaml:"in_app_account_create"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		API: APIConfig{
			AuthBaseURL:     "https://vpn.mozilla.org/api/v2/vpn/login",
			AccountsBaseURL: "https://api.accounts.firefox.com",
			RequestTimeout:  "30s",
		},
		Features: FeaturesConfig{
			InAppAccountCreate: true,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"FXA_AUTH_BASE_URL":     func(v string) { cfg.API.AuthBaseURL = v },
		"FXA_ACCOUNTS_BASE_URL": func(v string) { cfg.API.AccountsBaseURL = v },
		"FXA_REQUEST_TIMEOUT":   func(v string) { cfg.API.RequestTimeout = v },
		"FXA_IN_APP_ACCOUNT_CREATE": func(v string) {
			cfg.Features.InAppAccountCreate = parseBool(v, cfg.Features.InAppAccountCreate)
		},
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.API.AuthBaseURL == "" {
		return errors.New("api.auth_base_url is required")
	}
	if !strings.HasPrefix(c.API.AuthBaseURL, "http://") && !strings.HasPrefix(c.API.AuthBaseURL, "https://") {
		return fmt.Errorf("api.auth_base_url must start with http:// or https://, got: %s", c.API.AuthBaseURL)
	}

	if c.API.AccountsBaseURL == "" {
		return errors.New("api.accounts_base_url is required")
	}
	if !strings.HasPrefix(c.API.AccountsBaseURL, "http://") && !strings.HasPrefix(c.API.AccountsBaseURL, "https://") {
		return fmt.Errorf("api.accounts_base_url must start with http:// or https://, got: %s", c.API.AccountsBaseURL)
	}

	// Validate timeout if specified
	if c.API.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.API.RequestTimeout); err != nil {
			return fmt.Errorf("api.request_timeout: invalid duration '%s': %w", c.API.RequestTimeout, err)
		}
	}

	return nil
}
