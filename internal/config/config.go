// Package config loads gateway configuration from config.yaml with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Storage   StorageConfig    `koanf:"storage"`
	Auth      AuthConfig       `koanf:"auth"`
	Providers []ProviderConfig `koanf:"providers"`
	// ModelProviders maps a model name (or trailing-wildcard prefix such as
	// "gpt-5*") to an ordered list of provider names to try.
	ModelProviders map[string][]string `koanf:"model_providers"`
	Stream         StreamConfig        `koanf:"stream"`
	// PassReasoningSignature forwards upstream reasoning signatures to
	// clients. Off by default; signatures are stripped.
	PassReasoningSignature bool `koanf:"pass_reasoning_signature"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type StorageConfig struct {
	// Path is the SQLite database holding routes and usage ledgers.
	Path string `koanf:"path"`
}

type AuthConfig struct {
	// Dir holds per-provider credential JSON files.
	Dir string `koanf:"dir"`
	// MasterKey is the unrestricted super-credential. Its hash is bound to
	// the master route at startup. Supports ${VAR} substitution.
	MasterKey string `koanf:"master_key"`
}

type ProviderConfig struct {
	Name     string `koanf:"name"`
	Type     string `koanf:"type"` // gemini, codex, openai
	Enabled  *bool  `koanf:"enabled"`
	Priority int    `koanf:"priority"`
	BaseURL  string `koanf:"base_url"`
	// APIKeys seeds an api-key credential store (openai type).
	APIKeys []string `koanf:"api_keys"`
	// AccountsFile overrides the default credential file under auth.dir.
	AccountsFile string `koanf:"accounts_file"`
	// RefreshBuffer is how long before expiry a token counts as stale.
	RefreshBuffer time.Duration `koanf:"refresh_buffer"`
}

type StreamConfig struct {
	// RetryOn429 is the number of additional attempts after an upstream
	// rate limit before the error is surfaced.
	RetryOn429 int `koanf:"retry_on_429"`
	// HeartbeatInterval between keep-alive signals on open streams.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// IsEnabled treats a missing enabled flag as true.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the given YAML file (missing file is fine) and applies
// RELAY_-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = "config.yaml"
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override file config: RELAY_SERVER__PORT=9000
	// becomes server.port.
	if err := k.Load(env.Provider("RELAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RELAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Substitute ${VAR} in secret-bearing fields so keys can live in the
	// environment rather than the file.
	cfg.Auth.MasterKey = substituteEnvVars(cfg.Auth.MasterKey)
	for i := range cfg.Providers {
		for j := range cfg.Providers[i].APIKeys {
			cfg.Providers[i].APIKeys[j] = substituteEnvVars(cfg.Providers[i].APIKeys[j])
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	if !k.Exists("server.port") {
		k.Set("server.port", 8317)
	}
	if !k.Exists("storage.path") {
		k.Set("storage.path", "./data/relay.db")
	}
	if !k.Exists("auth.dir") {
		k.Set("auth.dir", "./auth")
	}
	if !k.Exists("stream.retry_on_429") {
		k.Set("stream.retry_on_429", 3)
	}
	if !k.Exists("stream.heartbeat_interval") {
		k.Set("stream.heartbeat_interval", "15s")
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "gemini", "codex", "openai":
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}
	if cfg.Stream.RetryOn429 < 0 {
		return fmt.Errorf("stream.retry_on_429 must be non-negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
