// Copyright 2024-2026 Aiku AI

package connector

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

const minimalConfig = `
matrix:
    homeserver: https://matrix.example.com
    user_id: "@relay:example.com"
    password: secret
mattermost:
    server_url: http://mm.local:8065
    token: bot-token
    channel: relay-channel
    webhook_token: hook
`

func TestConfigUnmarshalKeepsDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Mattermost.ServerURL != "http://mm.local:8065" {
		t.Errorf("ServerURL: got %q", cfg.Mattermost.ServerURL)
	}
	if cfg.Mattermost.Ingestion != IngestWebhook {
		t.Errorf("Ingestion: got %q", cfg.Mattermost.Ingestion)
	}
	if cfg.Relay.LedgerKeyFormat != router.DefaultLedgerKeyFormat {
		t.Errorf("LedgerKeyFormat: got %q", cfg.Relay.LedgerKeyFormat)
	}
	if cfg.Connection.ReconnectBaseDelay != 2*time.Second || cfg.Shutdown.GracePeriod != 10*time.Second {
		t.Errorf("durations: got %v / %v", cfg.Connection.ReconnectBaseDelay, cfg.Shutdown.GracePeriod)
	}
}

func TestConfigReconnectsAreBounded(t *testing.T) {
	t.Parallel()
	if got := DefaultConfig().Connection.MaxReconnectAttempts; got <= 0 {
		t.Fatalf("default max_reconnect_attempts = %d, want a finite cap", got)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
		t.Fatal(err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if got := cfg.connectionConfig().MaxReconnectAttempts; got != connection.DefaultMaxReconnectAttempts {
		t.Errorf("omitted max_reconnect_attempts = %d, want %d", got, connection.DefaultMaxReconnectAttempts)
	}

	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatal(err)
	}
	if got := cfg.Connection.MaxReconnectAttempts; got <= 0 {
		t.Errorf("example config max_reconnect_attempts = %d, want a finite cap", got)
	}
}

func TestConfigDurations(t *testing.T) {
	t.Parallel()
	var cfg Config
	input := minimalConfig + `
connection:
    reconnect_base_delay: 500ms
    max_reconnect_attempts: 7
store:
    mapping_ttl: 1h
`
	if err := yaml.Unmarshal([]byte(input), &cfg); err != nil {
		t.Fatalf("UnmarshalYAML: %v", err)
	}
	if cfg.Connection.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay: got %v", cfg.Connection.ReconnectBaseDelay)
	}
	if cfg.Connection.MaxReconnectAttempts != 7 {
		t.Errorf("MaxReconnectAttempts: got %d", cfg.Connection.MaxReconnectAttempts)
	}
	if cfg.Store.MappingTTL != time.Hour {
		t.Errorf("MappingTTL: got %v", cfg.Store.MappingTTL)
	}
	if cfg.connectionConfig().MaxReconnectAttempts != 7 || cfg.mappingConfig().MappingTTL != time.Hour {
		t.Error("component configs do not reflect the file")
	}
}

func TestConfigPostProcess(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "missing homeserver", mutate: func(c *Config) { c.Matrix.Homeserver = "" }, wantErr: "matrix.homeserver"},
		{name: "missing token", mutate: func(c *Config) { c.Mattermost.Token = "" }, wantErr: "mattermost.token"},
		{name: "missing channel", mutate: func(c *Config) { c.Mattermost.Channel = "" }, wantErr: "mattermost.channel"},
		{name: "missing webhook token", mutate: func(c *Config) { c.Mattermost.WebhookToken = "" }, wantErr: "webhook_token"},
		{name: "websocket needs no webhook token", mutate: func(c *Config) {
			c.Mattermost.WebhookToken = ""
			c.Mattermost.Ingestion = IngestWebSocket
		}},
		{name: "unknown ingestion", mutate: func(c *Config) { c.Mattermost.Ingestion = "carrier-pigeon" }, wantErr: "ingestion"},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }, wantErr: "store.driver"},
		{name: "bad ledger key", mutate: func(c *Config) { c.Relay.LedgerKeyFormat = "{{.ID}}" }, wantErr: "ledger_key_format"},
		{name: "zero attempts", mutate: func(c *Config) { c.Connection.MaxReconnectAttempts = 0 }, wantErr: "max_reconnect_attempts"},
		{name: "negative attempts", mutate: func(c *Config) { c.Connection.MaxReconnectAttempts = -2 }, wantErr: "max_reconnect_attempts"},
		{name: "unlimited attempts", mutate: func(c *Config) { c.Connection.MaxReconnectAttempts = connection.UnlimitedReconnects }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var cfg Config
			if err := yaml.Unmarshal([]byte(minimalConfig), &cfg); err != nil {
				t.Fatal(err)
			}
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := cfg.PostProcess()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigSSOCallbackFromPublicURL(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(minimalConfig+"api:\n    public_url: https://relay.example.com/\n"), &cfg); err != nil {
		t.Fatal(err)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatal(err)
	}
	if cfg.Matrix.SSOCallbackURL != "https://relay.example.com/auth/sso-callback" {
		t.Errorf("SSOCallbackURL: got %q", cfg.Matrix.SSOCallbackURL)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	t.Setenv("MATRIX_PASSWORD", "from-env")
	t.Setenv("MATTERMOST_TOKEN", "env-token")
	t.Setenv("MATTERMOST_WEBHOOK_TOKEN", "env-hook")
	t.Setenv("REDIS_PASSWORD", "env-redis")

	cfg, err := ParseConfig([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Matrix.Password != "from-env" || cfg.Mattermost.Token != "env-token" ||
		cfg.Mattermost.WebhookToken != "env-hook" || cfg.Store.Redis.Password != "env-redis" {
		t.Errorf("environment was not applied: %+v", cfg)
	}
}

func TestExampleConfigParses(t *testing.T) {
	t.Parallel()
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		t.Fatalf("example config does not parse: %v", err)
	}
	if cfg.Relay.LedgerKeyFormat != router.DefaultLedgerKeyFormat {
		t.Errorf("LedgerKeyFormat: got %q", cfg.Relay.LedgerKeyFormat)
	}
	if cfg.Store.MappingTTL != 168*time.Hour {
		t.Errorf("MappingTTL: got %v", cfg.Store.MappingTTL)
	}
	if len(cfg.Logging.Writers) == 0 {
		t.Error("example config should configure log writers")
	}
}

func TestLoadConfigUpgradesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, true)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Mattermost.Channel != "relay-channel" || cfg.Matrix.Password != "secret" {
		t.Errorf("user values lost: %+v", cfg.Mattermost)
	}
	if cfg.Store.SQLite.Path != "./relay.db" {
		t.Errorf("example value missing: %q", cfg.Store.SQLite.Path)
	}

	saved, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ledger_key_format", "relay-channel", "grace_period"} {
		if !strings.Contains(string(saved), want) {
			t.Errorf("upgraded file is missing %q", want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), false); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
