// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

type timedEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore implements Store with an in-process map.
// It is safe for concurrent use and intended for development and tests;
// state is lost on restart and not shared between replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry
	clock   clock.WithTicker

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStoreOption configures a MemoryStore instance.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(c clock.WithTicker) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.clock = c
	}
}

// NewMemoryStore creates a MemoryStore and starts its background cleanup goroutine.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*timedEntry),
		clock:           clock.RealClock{},
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Set stores value under key for ttl. A non-positive ttl stores without expiry.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	entry := &timedEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

// SetIfExists replaces the value under key only if a live entry is present.
func (s *MemoryStore) SetIfExists(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	entry := &timedEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; !ok || s.expired(cur, now) {
		return false, nil
	}
	s.entries[key] = entry
	return true, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.expired(entry, s.clock.Now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Delete removes key. Missing keys are ignored.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Ping always succeeds for the in-memory store.
func (*MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// Len reports the number of stored entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (*MemoryStore) expired(e *timedEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := s.clock.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C():
			s.cleanupExpired()
		}
	}
}

// cleanupExpired collects expired keys under the read lock and deletes them
// under the write lock, re-checking each one in case it was rewritten.
func (s *MemoryStore) cleanupExpired() {
	now := s.clock.Now()

	s.mu.RLock()
	var expired []string
	for k, v := range s.entries {
		if s.expired(v, now) {
			expired = append(expired, k)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, k := range expired {
		if e, ok := s.entries[k]; ok && s.expired(e, now) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}
