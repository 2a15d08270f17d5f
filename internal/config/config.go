// Package config loads broker configuration from an optional YAML file
// and the environment. Env vars always win over file values so deploys
// can override a checked-in config without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Policy   PolicyConfig   `yaml:"policy"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Storage  StorageConfig  `yaml:"storage"`
	Mesh     MeshConfig     `yaml:"mesh"`
	Sessions SessionsConfig `yaml:"sessions"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	JWTAlgo          string `yaml:"jwt_algo"`
	JWTTTLSeconds    int    `yaml:"jwt_ttl_seconds"`
	AdminToken       string `yaml:"admin_token"`
	AdminTokenBcrypt string `yaml:"admin_token_bcrypt"`
	NonceTTLSeconds  int    `yaml:"nonce_ttl_seconds"`
}

type PolicyConfig struct {
	Path             string `yaml:"path"`
	WatchIntervalSec int    `yaml:"watch_interval_sec"`
}

type SweeperConfig struct {
	StaleAfterSec int `yaml:"stale_after_sec"`
	DeadAfterSec  int `yaml:"dead_after_sec"`
	IntervalSec   int `yaml:"interval_sec"`
}

type StorageConfig struct {
	Provider    string `yaml:"provider"` // sqlite | postgres
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

type MeshConfig struct {
	Transport string `yaml:"transport"` // loopback | redis | pubsub

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	PubSubProjectID   string `yaml:"pubsub_project_id"`
	PubSubTopicPrefix string `yaml:"pubsub_topic_prefix"`
	PubSubEndpoint    string `yaml:"pubsub_endpoint"`
}

type SessionsConfig struct {
	// Optional per-profile overrides; zero values keep the built-in preset.
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

type ProfileConfig struct {
	SessionLifetimeSec int64 `yaml:"session_lifetime_sec"`
	RefreshLifetimeSec int64 `yaml:"refresh_lifetime_sec"`
	AccessTTLSec       int64 `yaml:"access_ttl_sec"`
	MaxIdleSec         int64 `yaml:"max_idle_sec"`
}

// LoadConfig reads the YAML file at path. A missing path returns defaults
// so the broker can run from env alone.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, nil
}

// Defaults returns a config with every knob at its built-in value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8088", Env: "dev"},
		Auth: AuthConfig{
			JWTSecret:       "change_me",
			JWTAlgo:         "HS256",
			JWTTTLSeconds:   300,
			NonceTTLSeconds: 60,
		},
		Policy:  PolicyConfig{Path: "config/policy.yaml", WatchIntervalSec: 5},
		Sweeper: SweeperConfig{StaleAfterSec: 30, DeadAfterSec: 120, IntervalSec: 5},
		Storage: StorageConfig{Provider: "sqlite", SQLitePath: "db/abi_state.db"},
		Mesh:    MeshConfig{Transport: "loopback", RedisPrefix: "abi:mesh:"},
	}
}

func (c *Config) applyEnv() {
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "ABI_ENV")
	setStr(&c.Auth.JWTSecret, "ABI_JWT_SECRET")
	setStr(&c.Auth.JWTAlgo, "ABI_JWT_ALGO")
	setInt(&c.Auth.JWTTTLSeconds, "ABI_JWT_TTL_SECONDS")
	setStr(&c.Auth.AdminToken, "ADMIN_TOKEN")
	setStr(&c.Auth.AdminTokenBcrypt, "ABI_ADMIN_TOKEN_BCRYPT")
	setInt(&c.Auth.NonceTTLSeconds, "ABI_NONCE_TTL_SECONDS")
	setStr(&c.Policy.Path, "ABI_POLICY_PATH")
	setInt(&c.Policy.WatchIntervalSec, "ABI_POLICY_WATCH_SECONDS")
	setInt(&c.Sweeper.StaleAfterSec, "ABI_STALE_AFTER_SECONDS")
	setInt(&c.Sweeper.DeadAfterSec, "ABI_DEAD_AFTER_SECONDS")
	setInt(&c.Sweeper.IntervalSec, "ABI_SWEEP_INTERVAL_SECONDS")
	setStr(&c.Storage.Provider, "ABI_STORAGE_PROVIDER")
	setStr(&c.Storage.SQLitePath, "ABI_SQLITE_PATH")
	setStr(&c.Storage.DatabaseURL, "DATABASE_URL")
	setStr(&c.Mesh.Transport, "ABI_MESH_TRANSPORT")
	setStr(&c.Mesh.RedisAddr, "REDIS_ADDR")
	setStr(&c.Mesh.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.Mesh.RedisDB, "REDIS_DB")
	setStr(&c.Mesh.RedisPrefix, "ABI_REDIS_PREFIX")
	setStr(&c.Mesh.PubSubProjectID, "PUBSUB_PROJECT_ID")
	setStr(&c.Mesh.PubSubTopicPrefix, "PUBSUB_TOPIC_PREFIX")
	setStr(&c.Mesh.PubSubEndpoint, "PUBSUB_EMULATOR_ENDPOINT")
}

func (c *Config) fillDefaults() {
	d := Defaults()
	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.Auth.JWTAlgo == "" {
		c.Auth.JWTAlgo = d.Auth.JWTAlgo
	}
	if c.Auth.JWTTTLSeconds <= 0 {
		c.Auth.JWTTTLSeconds = d.Auth.JWTTTLSeconds
	}
	if c.Auth.NonceTTLSeconds <= 0 {
		c.Auth.NonceTTLSeconds = d.Auth.NonceTTLSeconds
	}
	if c.Policy.WatchIntervalSec <= 0 {
		c.Policy.WatchIntervalSec = d.Policy.WatchIntervalSec
	}
	if c.Sweeper.StaleAfterSec <= 0 {
		c.Sweeper.StaleAfterSec = d.Sweeper.StaleAfterSec
	}
	if c.Sweeper.DeadAfterSec <= 0 {
		c.Sweeper.DeadAfterSec = d.Sweeper.DeadAfterSec
	}
	if c.Sweeper.IntervalSec <= 0 {
		c.Sweeper.IntervalSec = d.Sweeper.IntervalSec
	}
	if c.Storage.Provider == "" {
		c.Storage.Provider = d.Storage.Provider
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if c.Mesh.Transport == "" {
		c.Mesh.Transport = d.Mesh.Transport
	}
	if c.Mesh.RedisPrefix == "" {
		c.Mesh.RedisPrefix = d.Mesh.RedisPrefix
	}
}

// Validate rejects configurations that must not reach production. The
// default JWT secret is tolerated outside production so local runs work
// without a .env file.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("ABI_JWT_SECRET is required")
	}
	if c.Server.Env == "production" && c.Auth.JWTSecret == "change_me" {
		return fmt.Errorf("ABI_JWT_SECRET must be set in production")
	}
	if c.Sweeper.DeadAfterSec <= c.Sweeper.StaleAfterSec {
		return fmt.Errorf("sweeper: dead_after_sec (%d) must exceed stale_after_sec (%d)",
			c.Sweeper.DeadAfterSec, c.Sweeper.StaleAfterSec)
	}
	return nil
}

// JWTTTL returns the access token lifetime as a duration.
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.Auth.JWTTTLSeconds) * time.Second
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
