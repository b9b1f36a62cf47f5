package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rajeev3828gupta/sih-medical-sub000/internal/queue"
)

const (
	envPrefix                = "HEALTHSYNC"
	defaultRelayAddress      = "0.0.0.0:8080"
	defaultDeviceAddress     = "127.0.0.1:8081"
	defaultDatabasePath      = "healthsync.db"
	defaultLogLevel          = "info"
	defaultRelayURL          = "ws://127.0.0.1:8080/sync/ws"
	defaultBatchSize         = 50
	defaultSyncInterval      = 30 * time.Second
	defaultTransmitTimeout   = 15 * time.Second
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 5 * time.Minute
	defaultBackoffMultiplier = 2.0
	defaultBackoffJitter     = 0.1
	defaultTokenTTL          = 30 * 24 * time.Hour
	defaultTokenIssuer       = "healthsync-relay"
	defaultTokenAudience     = "healthsync-devices"
)

// AuthConfig holds the shared token settings of relay and device processes.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// RelayConfig captures runtime configuration for the relay process.
type RelayConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Auth         AuthConfig
}

// SyncConfig tunes the device coordinator.
type SyncConfig struct {
	BatchSize       int
	Interval        time.Duration
	TransmitTimeout time.Duration
	Backoff         queue.BackoffPolicy
}

// DeviceConfig captures runtime configuration for a device process.
type DeviceConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	DeviceID     string
	UserID       string
	RelayURL     string
	Auth         AuthConfig
	Sync         SyncConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultRelayAddress)
	configViper.SetDefault("device.http_address", defaultDeviceAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("relay.url", defaultRelayURL)
	configViper.SetDefault("sync.batch_size", defaultBatchSize)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.transmit_timeout", defaultTransmitTimeout)
	configViper.SetDefault("sync.backoff.initial", defaultBackoffInitial)
	configViper.SetDefault("sync.backoff.max", defaultBackoffMax)
	configViper.SetDefault("sync.backoff.multiplier", defaultBackoffMultiplier)
	configViper.SetDefault("sync.backoff.jitter", defaultBackoffJitter)
}

// LoadAuth parses the token settings shared by every command.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		Issuer:        configViper.GetString("auth.issuer"),
		Audience:      configViper.GetString("auth.audience"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if err := cfg.validate(); err != nil {
		return AuthConfig{}, err
	}
	return cfg, nil
}

// LoadRelay parses relay configuration from viper.
func LoadRelay(configViper *viper.Viper) (RelayConfig, error) {
	authConfig, err := LoadAuth(configViper)
	if err != nil {
		return RelayConfig{}, err
	}
	cfg := RelayConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Auth:         authConfig,
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return RelayConfig{}, fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return RelayConfig{}, fmt.Errorf("http.address is required")
	}
	return cfg, nil
}

// LoadDevice parses device configuration from viper.
func LoadDevice(configViper *viper.Viper) (DeviceConfig, error) {
	authConfig, err := LoadAuth(configViper)
	if err != nil {
		return DeviceConfig{}, err
	}
	cfg := DeviceConfig{
		HTTPAddress:  configViper.GetString("device.http_address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		DeviceID:     strings.TrimSpace(configViper.GetString("device.id")),
		UserID:       strings.TrimSpace(configViper.GetString("device.user_id")),
		RelayURL:     strings.TrimSpace(configViper.GetString("relay.url")),
		Auth:         authConfig,
		Sync: SyncConfig{
			BatchSize:       configViper.GetInt("sync.batch_size"),
			Interval:        configViper.GetDuration("sync.interval"),
			TransmitTimeout: configViper.GetDuration("sync.transmit_timeout"),
			Backoff: queue.BackoffPolicy{
				Initial:    configViper.GetDuration("sync.backoff.initial"),
				Max:        configViper.GetDuration("sync.backoff.max"),
				Multiplier: configViper.GetFloat64("sync.backoff.multiplier"),
				Jitter:     configViper.GetFloat64("sync.backoff.jitter"),
			},
		},
	}
	if err := cfg.validate(); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func (c AuthConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	return nil
}

func (c DeviceConfig) validate() error {
	switch {
	case c.DeviceID == "":
		return fmt.Errorf("device.id is required")
	case c.UserID == "":
		return fmt.Errorf("device.user_id is required")
	case c.RelayURL == "":
		return fmt.Errorf("relay.url is required")
	case strings.TrimSpace(c.DatabasePath) == "":
		return fmt.Errorf("database.path is required")
	case c.Sync.BatchSize <= 0:
		return fmt.Errorf("sync.batch_size must be positive")
	case c.Sync.Interval <= 0:
		return fmt.Errorf("sync.interval must be positive")
	case c.Sync.TransmitTimeout <= 0:
		return fmt.Errorf("sync.transmit_timeout must be positive")
	case c.Sync.Backoff.Jitter < 0 || c.Sync.Backoff.Jitter > 1:
		return fmt.Errorf("sync.backoff.jitter must be within [0, 1]")
	}
	return nil
}
