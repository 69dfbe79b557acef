package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if cfg.Server.Port != 8317 {
		t.Errorf("port = %d, want 8317", cfg.Server.Port)
	}
	if cfg.Storage.Path != "./data/relay.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Stream.RetryOn429 != 3 {
		t.Errorf("retry_on_429 = %d", cfg.Stream.RetryOn429)
	}
	if cfg.Stream.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Stream.HeartbeatInterval)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
auth:
  dir: /etc/relay/auth
providers:
  - name: gemini
    type: gemini
    priority: 1
  - name: work
    type: openai
    base_url: https://llm.internal/v1
    api_keys:
      - sk-abc
model_providers:
  gpt-5*: [codex]
stream:
  retry_on_429: 1
  heartbeat_interval: 30s
pass_reasoning_signature: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Auth.Dir != "/etc/relay/auth" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if !cfg.Providers[0].IsEnabled() {
		t.Error("missing enabled flag should default to true")
	}
	if cfg.Providers[1].BaseURL != "https://llm.internal/v1" || cfg.Providers[1].APIKeys[0] != "sk-abc" {
		t.Errorf("openai provider = %+v", cfg.Providers[1])
	}
	if got := cfg.ModelProviders["gpt-5*"]; len(got) != 1 || got[0] != "codex" {
		t.Errorf("model_providers = %+v", cfg.ModelProviders)
	}
	if cfg.Stream.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Stream.HeartbeatInterval)
	}
	if !cfg.PassReasoningSignature {
		t.Error("pass_reasoning_signature not loaded")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("RELAY_SERVER__PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, env override should win", cfg.Server.Port)
	}
}

func TestLoadSecretSubstitution(t *testing.T) {
	t.Setenv("TEST_MASTER", "sk-relay-supersecret")
	t.Setenv("TEST_UPSTREAM", "sk-upstream")
	path := writeConfig(t, `
auth:
  master_key: ${TEST_MASTER}
providers:
  - name: work
    type: openai
    api_keys:
      - ${TEST_UPSTREAM}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.MasterKey != "sk-relay-supersecret" {
		t.Errorf("master_key = %q", cfg.Auth.MasterKey)
	}
	if cfg.Providers[0].APIKeys[0] != "sk-upstream" {
		t.Errorf("api key = %q", cfg.Providers[0].APIKeys[0])
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown provider type", "providers:\n  - name: x\n    type: mystery\n"},
		{"duplicate provider name", "providers:\n  - name: x\n    type: gemini\n  - name: x\n    type: codex\n"},
		{"empty provider name", "providers:\n  - type: gemini\n"},
		{"negative retry", "stream:\n  retry_on_429: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
