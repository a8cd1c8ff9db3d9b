// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, prefix string) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreWithClient(client, prefix)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_SetGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "test:")

	require.NoError(t, s.Set(ctx, "session:abc", `{"session_id":"abc"}`, 30*time.Minute))
	assert.True(t, mr.Exists("test:session:abc"))
	assert.Equal(t, 30*time.Minute, mr.TTL("test:session:abc"))

	got, err := s.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"session_id":"abc"}`, got)

	require.NoError(t, s.Delete(ctx, "session:abc"))
	_, err = s.Get(ctx, "session:abc")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "session:abc"))
}

func TestRedisStore_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "")

	require.NoError(t, s.Set(ctx, "token:at", "sid", 5*time.Minute))

	mr.FastForward(4 * time.Minute)
	got, err := s.Get(ctx, "token:at")
	require.NoError(t, err)
	assert.Equal(t, "sid", got)

	mr.FastForward(time.Minute)
	_, err = s.Get(ctx, "token:at")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SlidingTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "")

	require.NoError(t, s.Set(ctx, "session:a", "v", 30*time.Minute))
	mr.FastForward(20 * time.Minute)
	require.NoError(t, s.Set(ctx, "session:a", "v", 30*time.Minute))

	assert.Equal(t, 30*time.Minute, mr.TTL("session:a"))
}

func TestRedisStore_SetIfExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "test:")

	ok, err := s.SetIfExists(ctx, "session:gone", "v", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:session:gone"))

	require.NoError(t, s.Set(ctx, "session:live", "v1", time.Minute))
	ok, err = s.SetIfExists(ctx, "session:live", "v2", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := mr.Get("test:session:live")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
	assert.Equal(t, 30*time.Minute, mr.TTL("test:session:live"))
}

func TestRedisStore_ServerError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStore(t, "")

	mr.SetError("LOADING server is loading")
	_, err := s.Get(ctx, "session:a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Error(t, s.Ping(ctx))
}

func TestValidateRedisConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     RedisConfig
		wantErr string
	}{
		{"url", RedisConfig{URL: "redis://localhost:6379/0"}, ""},
		{"sentinel", RedisConfig{SentinelConfig: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s:26379"}}}, ""},
		{"neither", RedisConfig{}, "either url or sentinel"},
		{"both", RedisConfig{URL: "redis://x", SentinelConfig: &SentinelConfig{MasterName: "m", SentinelAddrs: []string{"s"}}}, "mutually exclusive"},
		{"no master", RedisConfig{SentinelConfig: &SentinelConfig{SentinelAddrs: []string{"s"}}}, "master name"},
		{"no addrs", RedisConfig{SentinelConfig: &SentinelConfig{MasterName: "m"}}, "sentinel address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRedisConfig(&tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
