package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/term"

	"github.com/AlexZinkM/canton-connect/internal/crypto"
)

// Session storage backends
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// Session ciphers
const (
	CipherAESGCM    = "aes-gcm"
	CipherSecretBox = "secretbox"
)

// Config contains all configuration parameters for the daemon.
// Note: the session passphrase is prompted at runtime when SESSION_KEY is not set - use SessionKeyBytes()
type Config struct {
	Port      string `envconfig:"PORT" default:"8080"`
	AppOrigin string `envconfig:"APP_ORIGIN" required:"true"`
	AppName   string `envconfig:"APP_NAME" default:"canton-connect"`
	Network   string `envconfig:"NETWORK" default:"testnet"`

	RegistryURL          string        `envconfig:"REGISTRY_URL"`
	RegistryDir          string        `envconfig:"REGISTRY_DIR"`
	RegistryChannel      string        `envconfig:"REGISTRY_CHANNEL" default:"stable"`
	RegistryKeys         []string      `envconfig:"REGISTRY_KEYS" required:"true"`
	RegistryThreshold    int           `envconfig:"REGISTRY_THRESHOLD" default:"0"`
	RegistryValidity     time.Duration `envconfig:"REGISTRY_VALIDITY" default:"1h"`
	RegistryStaleCeiling time.Duration `envconfig:"REGISTRY_STALE_CEILING" default:"24h"`
	RegistryStalePolicy  string        `envconfig:"REGISTRY_STALE_POLICY" default:"serve-stale"`
	RegistryFetchTimeout time.Duration `envconfig:"REGISTRY_FETCH_TIMEOUT" default:"15s"`

	AdaptersFile   string        `envconfig:"ADAPTERS_FILE" required:"true"`
	AdapterTimeout time.Duration `envconfig:"ADAPTER_TIMEOUT" default:"3m"`

	SessionStorage      string        `envconfig:"SESSION_STORAGE" default:"file"`
	SessionDir          string        `envconfig:"SESSION_DIR" default:".canton-connect"`
	RedisURL            string        `envconfig:"REDIS_URL"`
	SessionCipher       string        `envconfig:"SESSION_CIPHER" default:"aes-gcm"`
	SessionKey          string        `envconfig:"SESSION_KEY"`
	SessionKeySalt      string        `envconfig:"SESSION_KEY_SALT"`
	ExpiryCheckInterval time.Duration `envconfig:"EXPIRY_CHECK_INTERVAL" default:"30s"`

	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

// cfg is the global configuration instance
var cfg *Config

// Init loads .env (when present) and then configuration from environment variables.
func Init() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	c, err := Load()
	if err != nil {
		return err
	}
	cfg = c
	return nil
}

// Load reads and validates configuration from the environment without touching the global
func Load() (*Config, error) {
	c := &Config{}
	if err := envconfig.Process("", c); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.AppOrigin) == "" {
		return errors.New("APP_ORIGIN must not be empty")
	}
	if (c.RegistryURL == "") == (c.RegistryDir == "") {
		return errors.New("exactly one of REGISTRY_URL and REGISTRY_DIR must be set")
	}
	switch c.SessionStorage {
	case StorageMemory, StorageFile:
	case StorageRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when SESSION_STORAGE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORAGE must be memory, file or redis, got %q", c.SessionStorage)
	}
	switch c.SessionCipher {
	case CipherAESGCM, CipherSecretBox:
	default:
		return fmt.Errorf("SESSION_CIPHER must be %s or %s, got %q", CipherAESGCM, CipherSecretBox, c.SessionCipher)
	}
	if c.SessionKey == "" && c.SessionKeySalt == "" {
		return errors.New("either SESSION_KEY or SESSION_KEY_SALT (for a prompted passphrase) must be set")
	}
	if c.ExpiryCheckInterval <= 0 {
		return errors.New("EXPIRY_CHECK_INTERVAL must be positive")
	}
	return nil
}

// Get returns the global configuration instance.
// Panics if Init() was not called.
func Get() *Config {
	if cfg == nil {
		panic("config not initialized, call Init() first")
	}
	return cfg
}

// CipherProvider returns the configured session cipher
func (c *Config) CipherProvider() crypto.Provider {
	if c.SessionCipher == CipherSecretBox {
		return crypto.NewSecretBox()
	}
	return crypto.NewAESGCM()
}

var passphraseBytes []byte

// PromptForPassphrase prompts for the session passphrase in the terminal.
// The passphrase is read without echoing (hidden input) and stored in memory.
// Call this at startup before the server begins handling requests.
func PromptForPassphrase() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("stdin is not a terminal: set SESSION_KEY or run interactively to enter the passphrase")
	}
	fmt.Fprint(os.Stderr, "Enter session passphrase: ")
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return errors.New("passphrase cannot be empty")
	}

	passphraseBytes = make([]byte, len(raw))
	copy(passphraseBytes, raw)
	clear(raw)
	return nil
}

// SessionKeyBytes returns the session encryption key: SESSION_KEY when set, otherwise the
// prompted passphrase stretched with scrypt over SESSION_KEY_SALT.
// Caller must zero the returned slice after use.
func (c *Config) SessionKeyBytes() ([]byte, error) {
	if c.SessionKey != "" {
		key, err := decodeBase64(c.SessionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid SESSION_KEY: %w", err)
		}
		if len(key) != crypto.KeyLen {
			clear(key)
			return nil, fmt.Errorf("SESSION_KEY must decode to %d bytes, got %d", crypto.KeyLen, len(key))
		}
		return key, nil
	}

	if len(passphraseBytes) == 0 {
		return nil, errors.New("passphrase not set: call PromptForPassphrase at startup")
	}
	salt, err := decodeBase64(c.SessionKeySalt)
	if err != nil {
		return nil, fmt.Errorf("invalid SESSION_KEY_SALT: %w", err)
	}
	pass := make([]byte, len(passphraseBytes))
	copy(pass, passphraseBytes)
	defer clear(pass)
	return crypto.DeriveKey(pass, salt, crypto.DefaultScryptParams)
}

// NeedsPassphrase reports whether SessionKeyBytes depends on a prompted passphrase
func (c *Config) NeedsPassphrase() bool {
	return c.SessionKey == ""
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
