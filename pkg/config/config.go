// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the session broker configuration from an optional
// YAML file and SESSIONBROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/sessionbroker/pkg/idp"
	"github.com/stacklok/sessionbroker/pkg/session"
	"github.com/stacklok/sessionbroker/pkg/session/store"
	"github.com/stacklok/sessionbroker/pkg/telemetry"
	"github.com/stacklok/sessionbroker/pkg/tokencipher"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "SESSIONBROKER"

// Config is the complete broker configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Session   SessionConfig    `mapstructure:"session"`
	Keycloak  KeycloakConfig   `mapstructure:"keycloak"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Access    AccessConfig     `mapstructure:"access"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// MetricsAddress serves /metrics on a separate listener. Empty mounts it
	// on the main router.
	MetricsAddress  string        `mapstructure:"metrics_address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// FinalizeTimeout bounds the post-response rotation commit.
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// SessionConfig configures session lifetimes, the cookie and token encryption.
type SessionConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	TokenIndexTTL time.Duration `mapstructure:"token_index_ttl"`
	RefreshGrace  time.Duration `mapstructure:"refresh_grace"`

	CookieName   string `mapstructure:"cookie_name"`
	CookieSecure bool   `mapstructure:"cookie_secure"`

	// Key is the base64 encoded 32-byte encryption key.
	Key       string `mapstructure:"key"`
	KeyFile   string `mapstructure:"key_file"`
	Algorithm string `mapstructure:"algorithm"`
}

// KeycloakConfig configures the identity provider client.
type KeycloakConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Realm            string        `mapstructure:"realm"`
	ClientID         string        `mapstructure:"client_id"`
	ClientSecret     string        `mapstructure:"client_secret"`
	ClientSecretFile string        `mapstructure:"client_secret_file"`
	Scopes           []string      `mapstructure:"scopes"`
	Discovery        bool          `mapstructure:"discovery"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	CABundle          string `mapstructure:"ca_bundle"`
	AllowPrivateIP    bool   `mapstructure:"allow_private_ip"`
	InsecureAllowHTTP bool   `mapstructure:"insecure_allow_http"`
}

// StorageConfig configures the session store backend.
type StorageConfig struct {
	Type               string        `mapstructure:"type"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	RedisURL           string        `mapstructure:"redis_url"`
	SentinelMasterName string        `mapstructure:"sentinel_master_name"`
	SentinelAddrs      []string      `mapstructure:"sentinel_addrs"`
	RedisDB            int           `mapstructure:"redis_db"`
	RedisUsername      string        `mapstructure:"redis_username"`
	RedisPassword      string        `mapstructure:"redis_password"`
	RedisPasswordFile  string        `mapstructure:"redis_password_file"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
}

// AccessConfig configures the access rule.
type AccessConfig struct {
	AdminRoles []string `mapstructure:"admin_roles"`
}

// RateLimitConfig configures the per-IP login limiter.
type RateLimitConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	LoginPerMinute float64 `mapstructure:"login_per_minute"`
	LoginBurst     int     `mapstructure:"login_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.finalize_timeout", 5*time.Second)

	v.SetDefault("session.timeout", session.DefaultSessionTimeout)
	v.SetDefault("session.token_index_ttl", session.DefaultTokenIndexTTL)
	v.SetDefault("session.refresh_grace", session.DefaultRefreshGrace)
	v.SetDefault("session.cookie_name", "bionic_pro_session_id")
	v.SetDefault("session.cookie_secure", true)
	v.SetDefault("session.key", "")
	v.SetDefault("session.key_file", "")
	v.SetDefault("session.algorithm", string(tokencipher.AlgorithmAESGCM))

	v.SetDefault("keycloak.base_url", "")
	v.SetDefault("keycloak.realm", "")
	v.SetDefault("keycloak.client_id", "")
	v.SetDefault("keycloak.client_secret", "")
	v.SetDefault("keycloak.client_secret_file", "")
	v.SetDefault("keycloak.scopes", []string{"openid"})
	v.SetDefault("keycloak.discovery", false)
	v.SetDefault("keycloak.request_timeout", idp.DefaultRequestTimeout)
	v.SetDefault("keycloak.ca_bundle", "")
	v.SetDefault("keycloak.allow_private_ip", false)
	v.SetDefault("keycloak.insecure_allow_http", false)

	v.SetDefault("storage.type", string(store.TypeMemory))
	v.SetDefault("storage.cleanup_interval", store.DefaultCleanupInterval)
	v.SetDefault("storage.redis_url", "")
	v.SetDefault("storage.sentinel_master_name", "")
	v.SetDefault("storage.sentinel_addrs", []string{})
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.redis_username", "")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_password_file", "")
	v.SetDefault("storage.key_prefix", store.DefaultRedisKeyPrefix)
	v.SetDefault("storage.connect_timeout", store.DefaultConnectTimeout)

	v.SetDefault("access.admin_roles", []string{"admin", "reports-admin"})

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.login_per_minute", 10.0)
	v.SetDefault("rate_limit.login_burst", 5)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", tel.ServiceName)
	v.SetDefault("telemetry.otlp_endpoint", tel.Endpoint)
	v.SetDefault("telemetry.otlp_headers", map[string]string{})
	v.SetDefault("telemetry.otlp_insecure", tel.Insecure)
	v.SetDefault("telemetry.otlp_metrics", tel.OTLPMetrics)
	v.SetDefault("telemetry.sampling_rate", tel.SamplingRate)
	v.SetDefault("telemetry.metrics_enabled", tel.MetricsEnabled)
	v.SetDefault("telemetry.runtime_metrics", tel.IncludeRuntimeMetrics)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables are used. File secrets are resolved
// before returning; the result is not validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveSecrets() error {
	if c.Session.Key == "" && c.Session.KeyFile != "" {
		key, err := readSecretFile(c.Session.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read session key file: %w", err)
		}
		c.Session.Key = key
	}
	if c.Keycloak.ClientSecret == "" && c.Keycloak.ClientSecretFile != "" {
		secret, err := readSecretFile(c.Keycloak.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("failed to read keycloak client secret file: %w", err)
		}
		c.Keycloak.ClientSecret = secret
	}
	return nil
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator configuration
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.MetricsAddress != "" && c.Server.MetricsAddress == c.Server.Address {
		errs = append(errs, errors.New("server.metrics_address must differ from server.address"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.FinalizeTimeout <= 0 {
		errs = append(errs, errors.New("server.finalize_timeout must be positive"))
	}

	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.Session.TokenIndexTTL <= 0 {
		errs = append(errs, errors.New("session.token_index_ttl must be positive"))
	}
	if c.Session.RefreshGrace < 0 || c.Session.RefreshGrace >= c.Session.Timeout {
		errs = append(errs, errors.New("session.refresh_grace must be non-negative and shorter than session.timeout"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name is required"))
	}
	if c.Session.Key == "" {
		errs = append(errs, errors.New("session.key or session.key_file is required"))
	} else if _, err := c.Cipher(); err != nil {
		errs = append(errs, fmt.Errorf("session.key: %w", err))
	}

	kc := c.IDPConfig()
	if err := kc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if kc.RequestTimeout < 0 {
		errs = append(errs, errors.New("keycloak.request_timeout must not be negative"))
	}

	switch store.Type(c.Storage.Type) {
	case store.TypeMemory:
	case store.TypeRedis:
		if c.Storage.RedisURL == "" && c.Storage.SentinelMasterName == "" {
			errs = append(errs, errors.New("storage.redis_url or storage.sentinel_master_name is required for redis storage"))
		}
		if c.Storage.SentinelMasterName != "" && len(c.Storage.SentinelAddrs) == 0 {
			errs = append(errs, errors.New("storage.sentinel_addrs is required with storage.sentinel_master_name"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage.type %q", c.Storage.Type))
	}

	if len(c.Access.AdminRoles) == 0 {
		errs = append(errs, errors.New("access.admin_roles must not be empty"))
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.LoginPerMinute <= 0 {
			errs = append(errs, errors.New("rate_limit.login_per_minute must be positive"))
		}
		if c.RateLimit.LoginBurst <= 0 {
			errs = append(errs, errors.New("rate_limit.login_burst must be positive"))
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Cipher builds the token cipher from the session key.
func (c *Config) Cipher() (*tokencipher.AEADCipher, error) {
	return tokencipher.NewFromBase64(tokencipher.Algorithm(c.Session.Algorithm), c.Session.Key)
}

// IDPConfig maps the keycloak section onto the provider client config.
func (c *Config) IDPConfig() *idp.Config {
	return &idp.Config{
		BaseURL:        c.Keycloak.BaseURL,
		Realm:          c.Keycloak.Realm,
		ClientID:       c.Keycloak.ClientID,
		ClientSecret:   c.Keycloak.ClientSecret,
		Scopes:         c.Keycloak.Scopes,
		Discovery:      c.Keycloak.Discovery,
		RequestTimeout: c.Keycloak.RequestTimeout,
	}
}

// StoreConfig maps the storage section onto the store factory config.
func (c *Config) StoreConfig() *store.Config {
	return &store.Config{
		Type:               store.Type(c.Storage.Type),
		CleanupInterval:    c.Storage.CleanupInterval,
		RedisURL:           c.Storage.RedisURL,
		SentinelMasterName: c.Storage.SentinelMasterName,
		SentinelAddrs:      c.Storage.SentinelAddrs,
		RedisDB:            c.Storage.RedisDB,
		RedisUsername:      c.Storage.RedisUsername,
		RedisPassword:      c.Storage.RedisPassword,
		RedisPasswordFile:  c.Storage.RedisPasswordFile,
		KeyPrefix:          c.Storage.KeyPrefix,
		ConnectTimeout:     c.Storage.ConnectTimeout,
	}
}
