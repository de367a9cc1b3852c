// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mautrix-mattermost-relay/pkg/connection"
	"github.com/aiku/mautrix-mattermost-relay/pkg/credential"
	"github.com/aiku/mautrix-mattermost-relay/pkg/database"
	"github.com/aiku/mautrix-mattermost-relay/pkg/mapping"
	"github.com/aiku/mautrix-mattermost-relay/pkg/matrix"
	"github.com/aiku/mautrix-mattermost-relay/pkg/router"
)

//go:embed example-config.yaml
var ExampleConfig string

// Ingestion modes for secondary messages.
const (
	IngestWebhook   = "webhook"
	IngestWebSocket = "websocket"
)

// Config is the relay configuration file.
type Config struct {
	Matrix     MatrixConfig      `yaml:"matrix"`
	Mattermost MattermostConfig  `yaml:"mattermost"`
	Relay      RelayConfig       `yaml:"relay"`
	Connection ConnectionConfig  `yaml:"connection"`
	Store      StoreConfig       `yaml:"store"`
	Shutdown   ShutdownConfig    `yaml:"shutdown"`
	API        APIConfig         `yaml:"api"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

type MatrixConfig struct {
	Homeserver string `yaml:"homeserver"`
	UserID     string `yaml:"user_id"`
	// Password enables password login. Leave empty to log in through SSO.
	Password       string        `yaml:"password"`
	DeviceName     string        `yaml:"device_name"`
	SSOCallbackURL string        `yaml:"sso_callback_url"`
	ChallengeTTL   time.Duration `yaml:"challenge_ttl"`
	HTTPRetries    int           `yaml:"http_retries"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// Channel receives relayed messages and is the only channel replies are
	// accepted from.
	Channel string `yaml:"channel"`
	// Ingestion is "webhook" or "websocket".
	Ingestion     string `yaml:"ingestion"`
	WebhookToken  string `yaml:"webhook_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	// BotPrefix is a username prefix for echo prevention. Posts by usernames
	// starting with it are never relayed.
	BotPrefix      string        `yaml:"bot_prefix"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type RelayConfig struct {
	FallbackConversation string        `yaml:"fallback_conversation"`
	LedgerKeyFormat      string        `yaml:"ledger_key_format"`
	UnsupportedMarker    string        `yaml:"unsupported_marker"`
	SendTimeout          time.Duration `yaml:"send_timeout"`
	StoreTimeout         time.Duration `yaml:"store_timeout"`
}

type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	SaveTimeout          time.Duration `yaml:"save_timeout"`
}

type StoreConfig struct {
	Driver     string                `yaml:"driver"`
	SQLite     database.SQLiteConfig `yaml:"sqlite"`
	Redis      database.RedisConfig  `yaml:"redis"`
	MappingTTL time.Duration         `yaml:"mapping_ttl"`
	LedgerTTL  time.Duration         `yaml:"ledger_ttl"`
	GCInterval time.Duration         `yaml:"gc_interval"`
}

type ShutdownConfig struct {
	GracePeriod  time.Duration `yaml:"grace_period"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

type APIConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// PublicURL is where the homeserver can redirect the operator's browser.
	PublicURL string `yaml:"public_url"`
	// AdminToken protects /api when set.
	AdminToken string `yaml:"admin_token"`
}

// UnmarshalYAML decodes on top of the defaults so omitted keys keep them.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	raw := rawConfig(DefaultConfig())
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Config(raw)
	return nil
}

// DefaultConfig returns the values used for keys missing from the file.
func DefaultConfig() Config {
	return Config{
		Matrix: MatrixConfig{
			DeviceName:   "Mattermost relay",
			ChallengeTTL: 10 * time.Minute,
			HTTPRetries:  2,
		},
		Mattermost: MattermostConfig{
			Ingestion:      IngestWebhook,
			ReconnectDelay: 5 * time.Second,
		},
		Relay: RelayConfig{
			LedgerKeyFormat:   router.DefaultLedgerKeyFormat,
			UnsupportedMarker: router.DefaultUnsupportedMarker,
			SendTimeout:       15 * time.Second,
			StoreTimeout:      5 * time.Second,
		},
		Connection: ConnectionConfig{
			ReconnectBaseDelay:   2 * time.Second,
			ReconnectMaxDelay:    time.Minute,
			MaxReconnectAttempts: connection.DefaultMaxReconnectAttempts,
			SaveTimeout:          5 * time.Second,
		},
		Store: StoreConfig{
			Driver:     credential.DriverSQLite,
			SQLite:     database.SQLiteConfig{Path: "relay.db"},
			Redis:      database.RedisConfig{Prefix: "relay:"},
			MappingTTL: mapping.DefaultMappingTTL,
			LedgerTTL:  mapping.DefaultLedgerTTL,
			GCInterval: mapping.DefaultGCInterval,
		},
		Shutdown: ShutdownConfig{
			GracePeriod:  10 * time.Second,
			StageTimeout: 5 * time.Second,
		},
		API: APIConfig{
			ListenAddress: ":29320",
		},
	}
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	override := func(target *string, key string) {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			*target = val
		}
	}
	override(&c.Matrix.Password, "MATRIX_PASSWORD")
	override(&c.Mattermost.Token, "MATTERMOST_TOKEN")
	override(&c.Mattermost.WebhookToken, "MATTERMOST_WEBHOOK_TOKEN")
	override(&c.Store.Redis.Password, "REDIS_PASSWORD")
}

// PostProcess validates the configuration and fills derived values.
func (c *Config) PostProcess() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Mattermost.ServerURL == "" || c.Mattermost.Token == "" {
		return fmt.Errorf("mattermost.server_url and mattermost.token are required")
	}
	if c.Mattermost.Channel == "" {
		return fmt.Errorf("mattermost.channel is required")
	}
	switch c.Mattermost.Ingestion {
	case IngestWebhook:
		if c.Mattermost.WebhookToken == "" {
			return fmt.Errorf("mattermost.webhook_token is required for webhook ingestion")
		}
	case IngestWebSocket:
	default:
		return fmt.Errorf("unsupported mattermost.ingestion: %q", c.Mattermost.Ingestion)
	}
	switch c.Store.Driver {
	case credential.DriverMemory, credential.DriverSQLite, credential.DriverRedis:
	default:
		return fmt.Errorf("unsupported store.driver: %q", c.Store.Driver)
	}
	if _, err := router.ParseKeyFormat(c.Relay.LedgerKeyFormat); err != nil {
		return fmt.Errorf("invalid relay.ledger_key_format: %w", err)
	}
	if n := c.Connection.MaxReconnectAttempts; n == 0 || n < connection.UnlimitedReconnects {
		return fmt.Errorf("connection.max_reconnect_attempts must be positive, or %d to retry forever", connection.UnlimitedReconnects)
	}
	if c.Matrix.SSOCallbackURL == "" && c.API.PublicURL != "" {
		c.Matrix.SSOCallbackURL = strings.TrimSuffix(c.API.PublicURL, "/") + "/auth/sso-callback"
	}
	return nil
}

func (c *Config) matrixConfig() matrix.Config {
	return matrix.Config{
		Homeserver:     c.Matrix.Homeserver,
		UserID:         c.Matrix.UserID,
		Password:       c.Matrix.Password,
		DeviceName:     c.Matrix.DeviceName,
		SSOCallbackURL: c.Matrix.SSOCallbackURL,
		ChallengeTTL:   c.Matrix.ChallengeTTL,
		HTTPRetries:    c.Matrix.HTTPRetries,
	}
}

func (c *Config) connectionConfig() connection.Config {
	return connection.Config{
		ReconnectBaseDelay:   c.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    c.Connection.ReconnectMaxDelay,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		SaveTimeout:          c.Connection.SaveTimeout,
		SendTimeout:          c.Relay.SendTimeout,
	}
}

func (c *Config) routerConfig() router.Config {
	return router.Config{
		Destination:          c.Mattermost.Channel,
		FallbackConversation: c.Relay.FallbackConversation,
		LedgerKeyFormat:      c.Relay.LedgerKeyFormat,
		UnsupportedMarker:    c.Relay.UnsupportedMarker,
		SendTimeout:          c.Relay.SendTimeout,
		StoreTimeout:         c.Relay.StoreTimeout,
	}
}

func (c *Config) credentialConfig() credential.Config {
	return credential.Config{Driver: c.Store.Driver, Prefix: c.Store.Redis.Prefix}
}

func (c *Config) syncStateConfig() credential.Config {
	cfg := c.credentialConfig()
	cfg.ID = matrix.SyncStateID
	return cfg
}

func (c *Config) mappingConfig() mapping.Config {
	return mapping.Config{
		Driver:     c.Store.Driver,
		MappingTTL: c.Store.MappingTTL,
		LedgerTTL:  c.Store.LedgerTTL,
		GCInterval: c.Store.GCInterval,
		Prefix:     c.Store.Redis.Prefix,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver")
	helper.Copy(up.Str, "matrix", "user_id")
	helper.Copy(up.Str, "matrix", "password")
	helper.Copy(up.Str, "matrix", "device_name")
	helper.Copy(up.Str, "matrix", "sso_callback_url")
	helper.Copy(up.Str, "matrix", "challenge_ttl")
	helper.Copy(up.Int, "matrix", "http_retries")

	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "token")
	helper.Copy(up.Str, "mattermost", "channel")
	helper.Copy(up.Str, "mattermost", "ingestion")
	helper.Copy(up.Str, "mattermost", "webhook_token")
	helper.Copy(up.Str, "mattermost", "webhook_secret")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "mattermost", "reconnect_delay")

	helper.Copy(up.Str, "relay", "fallback_conversation")
	helper.Copy(up.Str, "relay", "ledger_key_format")
	helper.Copy(up.Str, "relay", "unsupported_marker")
	helper.Copy(up.Str, "relay", "send_timeout")
	helper.Copy(up.Str, "relay", "store_timeout")

	helper.Copy(up.Str, "connection", "reconnect_base_delay")
	helper.Copy(up.Str, "connection", "reconnect_max_delay")
	helper.Copy(up.Int, "connection", "max_reconnect_attempts")
	helper.Copy(up.Str, "connection", "save_timeout")

	helper.Copy(up.Str, "store", "driver")
	helper.Copy(up.Str, "store", "sqlite", "path")
	helper.Copy(up.Str, "store", "sqlite", "busy_timeout")
	helper.Copy(up.Str, "store", "redis", "addr")
	helper.Copy(up.Str, "store", "redis", "username")
	helper.Copy(up.Str, "store", "redis", "password")
	helper.Copy(up.Int, "store", "redis", "db")
	helper.Copy(up.Str, "store", "redis", "prefix")
	helper.Copy(up.Str, "store", "mapping_ttl")
	helper.Copy(up.Str, "store", "ledger_ttl")
	helper.Copy(up.Str, "store", "gc_interval")

	helper.Copy(up.Str, "shutdown", "grace_period")
	helper.Copy(up.Str, "shutdown", "stage_timeout")

	helper.Copy(up.Str, "api", "listen_address")
	helper.Copy(up.Str, "api", "public_url")
	helper.Copy(up.Str, "api", "admin_token")

	helper.Copy(up.Map, "logging")
}

// Upgrader copies values from an existing config onto the example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"mattermost"},
		{"relay"},
		{"connection"},
		{"store"},
		{"shutdown"},
		{"api"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads, upgrades and validates the config at path. When save is
// set the upgraded file is written back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies environment overrides and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
