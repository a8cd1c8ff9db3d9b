// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/sessionbroker/pkg/logger"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"
	// TypeRedis uses Redis (standalone or Sentinel).
	TypeRedis Type = "redis"
)

const (
	// DefaultRedisKeyPrefix namespaces broker keys in a shared Redis.
	DefaultRedisKeyPrefix = "sessionbroker:"

	// RedisPasswordEnvVar is consulted when no password or password file is configured.
	//nolint:gosec // environment variable name, not a credential
	RedisPasswordEnvVar = "SESSIONBROKER_REDIS_PASSWORD"

	// DefaultConnectTimeout bounds how long NewStore waits for Redis to answer.
	DefaultConnectTimeout = 30 * time.Second
)

// Config selects and configures a backend.
type Config struct {
	Type Type

	// Memory options.
	CleanupInterval time.Duration

	// Redis options.
	RedisURL           string
	SentinelMasterName string
	SentinelAddrs      []string
	RedisDB            int
	RedisUsername      string
	RedisPassword      string
	RedisPasswordFile  string
	KeyPrefix          string

	// ConnectTimeout bounds the startup readiness wait. Zero uses DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// NewStore creates a Store implementation based on cfg.
// If cfg is nil, defaults to in-memory storage.
func NewStore(ctx context.Context, cfg *Config) (Store, error) {
	if cfg == nil {
		cfg = &Config{Type: TypeMemory}
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(WithCleanupInterval(cfg.CleanupInterval)), nil

	case TypeRedis:
		password, err := resolveRedisPassword(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve Redis password: %w", err)
		}

		keyPrefix := cfg.KeyPrefix
		if keyPrefix == "" {
			keyPrefix = DefaultRedisKeyPrefix
		}

		rc := RedisConfig{
			URL:       cfg.RedisURL,
			Username:  cfg.RedisUsername,
			Password:  password,
			KeyPrefix: keyPrefix,
		}
		if cfg.SentinelMasterName != "" || len(cfg.SentinelAddrs) > 0 {
			rc.SentinelConfig = &SentinelConfig{
				MasterName:    cfg.SentinelMasterName,
				SentinelAddrs: cfg.SentinelAddrs,
				DB:            cfg.RedisDB,
			}
		}

		client, err := NewRedisClient(rc)
		if err != nil {
			return nil, err
		}

		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = DefaultConnectTimeout
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		if err := waitForRedis(ctx, ping, timeout); err != nil {
			_ = client.Close()
			return nil, err
		}

		return NewRedisStoreWithClient(client, keyPrefix), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// waitForRedis pings until the server answers or timeout elapses.
func waitForRedis(ctx context.Context, ping func(context.Context) error, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warnw("redis not ready, retrying", "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// resolveRedisPassword resolves the Redis password.
// Priority: direct value > file > environment variable
func resolveRedisPassword(cfg *Config) (string, error) {
	if cfg.RedisPassword != "" {
		return cfg.RedisPassword, nil
	}

	if cfg.RedisPasswordFile != "" {
		data, err := os.ReadFile(cfg.RedisPasswordFile) // #nosec G304 - file path is provided by user via config
		if err != nil {
			return "", fmt.Errorf("failed to read Redis password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envPassword := os.Getenv(RedisPasswordEnvVar); envPassword != "" {
		return envPassword, nil
	}

	return "", nil
}
