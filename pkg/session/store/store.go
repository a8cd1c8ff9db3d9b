// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store provides the TTL key/value backends that hold session state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or has expired.
var ErrNotFound = errors.New("key not found")

// Store is a string key/value store with per-key expiry.
//
// Delete must be idempotent: deleting a missing key is not an error.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetIfExists overwrites key only while it is present and unexpired and
	// reports whether the write happened.
	SetIfExists(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
