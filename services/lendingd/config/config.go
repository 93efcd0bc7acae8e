package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = ":8443"
	defaultCheckpoint = "@every 1m"
	defaultJWTRole    = "admin"
	defaultRatePerMin = 600
	defaultRateBurst  = 60

	defaultHealthInterval = 5 * time.Second

	envListen         = "LENDINGD_LISTEN"
	envEnv            = "LENDINGD_ENV"
	envMarketsFile    = "LENDINGD_MARKETS_FILE"
	envStorageBackend = "LENDINGD_STORAGE_BACKEND"
	envStoragePath    = "LENDINGD_STORAGE_PATH"
	envCheckpoint     = "LENDINGD_CHECKPOINT"
	envArchiveDriver  = "LENDINGD_ARCHIVE_DRIVER"
	envArchiveDSN     = "LENDINGD_ARCHIVE_DSN"
	envJWTSecret      = "LENDINGD_JWT_SECRET"
	envLogLevel       = "LENDINGD_LOG_LEVEL"
	envLogFile        = "LENDINGD_LOG_FILE"
	envAllowInsecure  = "LENDINGD_ALLOW_INSECURE"
	envHealthListen   = "LENDINGD_HEALTH_LISTEN"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	MarketsFile   string          `yaml:"markets_file"`
	TLS           TLSConfig       `yaml:"tls"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Archive       ArchiveConfig   `yaml:"archive"`
	Log           LogConfig       `yaml:"log"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
	Health        HealthConfig    `yaml:"health"`
}

// TLSConfig describes the TLS material for the HTTP listener.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	ClientCAPath  string `yaml:"client_ca"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig lists the authenticators accepted by the service.
type AuthConfig struct {
	APITokens []APIToken `yaml:"api_tokens"`
	JWT       JWTConfig  `yaml:"jwt"`
	// Admins are granted the engine admin role at start.
	Admins []string `yaml:"admins"`
}

// APIToken binds a static bearer token to the account it acts for.
type APIToken struct {
	Token   string `yaml:"token"`
	Account string `yaml:"account"`
	Admin   bool   `yaml:"admin"`
}

// JWTConfig validates HMAC-signed bearer tokens. The subject claim must be
// the caller's hex address.
type JWTConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	RoleClaim  string        `yaml:"role_claim"`
	AdminRole  string        `yaml:"admin_role"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client address and mutating calls per
// authenticated caller.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	WritesPerEpoch    uint32  `yaml:"writes_per_epoch"`
	EpochSeconds      uint32  `yaml:"epoch_seconds"`
}

// StorageConfig selects the snapshot backend and checkpoint schedule.
type StorageConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Checkpoint string `yaml:"checkpoint"`
}

// ArchiveConfig enables the SQL event archive. An empty driver disables it.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HealthConfig enables the gRPC health endpoint. It shares the HTTP
// listener's TLS material. An empty listen address disables it.
type HealthConfig struct {
	ListenAddress string        `yaml:"listen"`
	Interval      time.Duration `yaml:"interval"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Metrics  bool   `yaml:"metrics"`
	Traces   bool   `yaml:"traces"`
}

// Load reads the YAML configuration from disk, applies LENDINGD_* overrides
// and validates the result. A relative markets file is resolved against the
// config file's directory.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if cfg.MarketsFile != "" && !filepath.IsAbs(cfg.MarketsFile) {
		cfg.MarketsFile = filepath.Join(filepath.Dir(path), cfg.MarketsFile)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.Environment = stringFromEnv(envEnv, cfg.Environment)
	cfg.MarketsFile = stringFromEnv(envMarketsFile, cfg.MarketsFile)
	cfg.Storage.Backend = stringFromEnv(envStorageBackend, cfg.Storage.Backend)
	cfg.Storage.Path = stringFromEnv(envStoragePath, cfg.Storage.Path)
	cfg.Storage.Checkpoint = stringFromEnv(envCheckpoint, cfg.Storage.Checkpoint)
	cfg.Archive.Driver = stringFromEnv(envArchiveDriver, cfg.Archive.Driver)
	cfg.Archive.DSN = stringFromEnv(envArchiveDSN, cfg.Archive.DSN)
	cfg.Auth.JWT.HMACSecret = stringFromEnv(envJWTSecret, cfg.Auth.JWT.HMACSecret)
	cfg.Log.Level = stringFromEnv(envLogLevel, cfg.Log.Level)
	cfg.Log.File = stringFromEnv(envLogFile, cfg.Log.File)
	cfg.TLS.AllowInsecure = boolFromEnv(envAllowInsecure, cfg.TLS.AllowInsecure)
	cfg.Health.ListenAddress = stringFromEnv(envHealthListen, cfg.Health.ListenAddress)
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.MarketsFile = strings.TrimSpace(cfg.MarketsFile)
	cfg.TLS.normalize()
	cfg.Auth.normalize()
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRatePerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultRateBurst
	}
	if cfg.RateLimit.EpochSeconds == 0 {
		cfg.RateLimit.EpochSeconds = 60
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	cfg.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	cfg.Storage.Checkpoint = strings.TrimSpace(cfg.Storage.Checkpoint)
	if cfg.Storage.Checkpoint == "" {
		cfg.Storage.Checkpoint = defaultCheckpoint
	}
	cfg.Archive.Driver = strings.ToLower(strings.TrimSpace(cfg.Archive.Driver))
	cfg.Archive.DSN = strings.TrimSpace(cfg.Archive.DSN)
	cfg.Health.ListenAddress = strings.TrimSpace(cfg.Health.ListenAddress)
	if cfg.Health.Interval <= 0 {
		cfg.Health.Interval = defaultHealthInterval
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.MarketsFile == "" {
		return fmt.Errorf("markets_file is required")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	switch cfg.Storage.Backend {
	case "memory":
	case "leveldb", "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage: path required for %s backend", cfg.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
	switch cfg.Archive.Driver {
	case "":
	case "sqlite", "postgres":
		if cfg.Archive.DSN == "" {
			return fmt.Errorf("archive: dsn required for %s driver", cfg.Archive.Driver)
		}
	default:
		return fmt.Errorf("archive: unknown driver %q", cfg.Archive.Driver)
	}
	if cfg.Health.ListenAddress != "" && cfg.Health.ListenAddress == cfg.ListenAddress {
		return fmt.Errorf("health: listen address must differ from the http listener")
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
	cfg.ClientCAPath = strings.TrimSpace(cfg.ClientCAPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	if cfg.ClientCAPath != "" && !hasCert {
		return fmt.Errorf("client_ca requires a server certificate and key")
	}
	return nil
}

// MTLSEnabled reports whether mutual TLS verification is configured.
func (cfg TLSConfig) MTLSEnabled() bool {
	return strings.TrimSpace(cfg.ClientCAPath) != ""
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	tokens := make([]APIToken, 0, len(cfg.APITokens))
	for _, token := range cfg.APITokens {
		token.Token = strings.TrimSpace(token.Token)
		token.Account = strings.TrimSpace(token.Account)
		if token.Token != "" {
			tokens = append(tokens, token)
		}
	}
	cfg.APITokens = tokens

	admins := make([]string, 0, len(cfg.Admins))
	for _, admin := range cfg.Admins {
		if trimmed := strings.TrimSpace(admin); trimmed != "" {
			admins = append(admins, trimmed)
		}
	}
	cfg.Admins = admins

	cfg.JWT.HMACSecret = strings.TrimSpace(cfg.JWT.HMACSecret)
	cfg.JWT.RoleClaim = strings.TrimSpace(cfg.JWT.RoleClaim)
	if cfg.JWT.RoleClaim == "" {
		cfg.JWT.RoleClaim = "roles"
	}
	cfg.JWT.AdminRole = strings.TrimSpace(cfg.JWT.AdminRole)
	if cfg.JWT.AdminRole == "" {
		cfg.JWT.AdminRole = defaultJWTRole
	}
	if cfg.JWT.ClockSkew <= 0 {
		cfg.JWT.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate() error {
	if len(cfg.APITokens) == 0 && cfg.JWT.HMACSecret == "" {
		return fmt.Errorf("at least one api token or a jwt hmac_secret must be configured")
	}
	for i, token := range cfg.APITokens {
		if !common.IsHexAddress(token.Account) {
			return fmt.Errorf("api_tokens[%d]: account must be a hex address", i)
		}
	}
	for i, admin := range cfg.Admins {
		if !common.IsHexAddress(admin) {
			return fmt.Errorf("admins[%d]: invalid address %q", i, admin)
		}
	}
	return nil
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
