// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session broker: it turns identity provider
// token sets into opaque, rotating, server-side sessions.
//
// The broker holds no per-session state in process. All state lives in a
// [store.Store]; concurrent requests for one session are not serialised, so
// two rotations of the same identifier may both succeed and yield two valid
// new identifiers. Multi-step updates are ordered so that an interruption
// leaves at worst a stale access-token index entry, which always resolves to
// "no session".
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	brokererrors "github.com/stacklok/sessionbroker/pkg/errors"
	"github.com/stacklok/sessionbroker/pkg/idp"
	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/session/store"
	"github.com/stacklok/sessionbroker/pkg/tokencipher"
)

const instrumentationName = "github.com/stacklok/sessionbroker/pkg/session"

const (
	// DefaultSessionTimeout is the sliding lifetime of a session record.
	DefaultSessionTimeout = 30 * time.Minute
	// DefaultTokenIndexTTL is the lifetime of an access-token index entry.
	DefaultTokenIndexTTL = 5 * time.Minute
	// DefaultRefreshGrace is how close to access-token expiry IsSessionValid
	// starts refreshing proactively.
	DefaultRefreshGrace = 30 * time.Second

	sessionIDBytes = 32
)

// Broker orchestrates session creation, lookup, renewal and rotation.
type Broker struct {
	store    store.Store
	cipher   tokencipher.Cipher
	provider idp.Provider
	clock    clock.PassiveClock

	sessionTimeout time.Duration
	tokenIndexTTL  time.Duration
	refreshGrace   time.Duration

	tracer   trace.Tracer
	created  metric.Int64Counter
	removed  metric.Int64Counter
	rotated  metric.Int64Counter
	refreshs metric.Int64Counter
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the time source.
func WithClock(c clock.PassiveClock) Option {
	return func(b *Broker) {
		b.clock = c
	}
}

// WithSessionTimeout sets the sliding session lifetime.
func WithSessionTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.sessionTimeout = d
		}
	}
}

// WithTokenIndexTTL sets the access-token index lifetime.
func WithTokenIndexTTL(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.tokenIndexTTL = d
		}
	}
}

// WithRefreshGrace sets the proactive refresh window used by IsSessionValid.
func WithRefreshGrace(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.refreshGrace = d
		}
	}
}

// NewBroker creates a Broker over the given collaborators.
func NewBroker(s store.Store, c tokencipher.Cipher, p idp.Provider, opts ...Option) (*Broker, error) {
	if s == nil || c == nil || p == nil {
		return nil, errors.New("session broker requires a store, a cipher and a provider")
	}

	b := &Broker{
		store:          s,
		cipher:         c,
		provider:       p,
		clock:          clock.RealClock{},
		sessionTimeout: DefaultSessionTimeout,
		tokenIndexTTL:  DefaultTokenIndexTTL,
		refreshGrace:   DefaultRefreshGrace,
		tracer:         otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(b)
	}

	meter := otel.Meter(instrumentationName)
	var err error
	if b.created, err = meter.Int64Counter("sessionbroker.sessions.created",
		metric.WithDescription("Sessions created after a successful login")); err != nil {
		return nil, err
	}
	if b.removed, err = meter.Int64Counter("sessionbroker.sessions.removed",
		metric.WithDescription("Sessions removed, by reason")); err != nil {
		return nil, err
	}
	if b.rotated, err = meter.Int64Counter("sessionbroker.sessions.rotated",
		metric.WithDescription("Session identifiers rotated")); err != nil {
		return nil, err
	}
	if b.refreshs, err = meter.Int64Counter("sessionbroker.sessions.refreshed",
		metric.WithDescription("Token refresh attempts, by outcome")); err != nil {
		return nil, err
	}

	return b, nil
}

// SessionTimeout returns the configured sliding session lifetime.
func (b *Broker) SessionTimeout() time.Duration {
	return b.sessionTimeout
}

// CreateSession persists a new session for a freshly authenticated user and
// returns its identifier.
func (b *Broker) CreateSession(
	ctx context.Context, tokens *idp.TokenSet, username, userID string, crmID int64, roles []string,
) (string, error) {
	if tokens == nil || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return "", fmt.Errorf("%w: identity provider returned an incomplete token set", brokererrors.ErrInternal)
	}

	id, err := newSessionID()
	if err != nil {
		return "", fmt.Errorf("%w: %w", brokererrors.ErrInternal, err)
	}

	now := b.clock.Now().UTC()
	rec := &Record{
		SessionID:    id,
		UserID:       userID,
		CrmID:        crmID,
		Username:     username,
		Roles:        dedupe(roles),
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		CreatedAt:    now,
	}
	b.applyTokenTimes(rec, tokens, now)
	rec.LastActivityAt = now

	if err := b.writeSealed(ctx, rec); err != nil {
		return "", err
	}
	b.writeIndex(ctx, rec.AccessToken, id)

	b.created.Add(ctx, 1)
	logger.FromContext(ctx).Info("session created",
		"session", logger.Fingerprint(id), "user_id", userID, "username", username)
	return id, nil
}

// GetSession returns the live session for id with its refresh token
// decrypted, or nil when there is none. A successful read extends the
// session TTL. Dead records are purged; records whose refresh token cannot
// be decrypted are removed and reported as ErrEncryptionFailure.
func (b *Broker) GetSession(ctx context.Context, id string) (*Record, error) {
	rec, _, err := b.resolve(ctx, id)
	return rec, err
}

// resolve is GetSession that also reports whether a miss came from purging
// a dead record.
func (b *Broker) resolve(ctx context.Context, id string) (*Record, bool, error) {
	rec, err := b.load(ctx, id)
	if err != nil || rec == nil {
		return nil, false, err
	}

	now := b.clock.Now().UTC()
	if rec.Dead(now) {
		b.purge(ctx, rec, "expired")
		return nil, true, nil
	}

	plaintext, err := b.cipher.Decrypt(rec.RefreshToken)
	if err != nil {
		logger.FromContext(ctx).Error("failed to decrypt session refresh token, removing session",
			"session", logger.Fingerprint(id), "error", err)
		b.purge(ctx, rec, "decrypt_failure")
		return nil, false, fmt.Errorf("%w: %w", brokererrors.ErrEncryptionFailure, err)
	}

	// The sliding write must not recreate a record deleted since load.
	rec.LastActivityAt = now
	ok, err := b.rewrite(ctx, rec)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		logger.FromContext(ctx).Debug("session removed while being read", "session", logger.Fingerprint(id))
		return nil, false, nil
	}

	rec.RefreshToken = plaintext
	return rec, false, nil
}

// GetSessionByAccessToken resolves a session through the access-token index.
// A miss, or an index entry whose session no longer carries that token,
// yields nil without error.
func (b *Broker) GetSessionByAccessToken(ctx context.Context, accessToken string) (*Record, error) {
	if accessToken == "" {
		return nil, nil
	}

	id, err := b.store.Get(ctx, tokenKey(accessToken))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read token index: %w", brokererrors.ErrInternal, err)
	}

	rec, err := b.GetSession(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.AccessToken != accessToken {
		return nil, nil
	}
	return rec, nil
}

// UpdateSession replaces the tokens of an existing session in place.
// The old index entry is removed before the record is rewritten so that it
// never points at a session that no longer carries that token.
func (b *Broker) UpdateSession(ctx context.Context, id string, tokens *idp.TokenSet) error {
	if tokens == nil || tokens.AccessToken == "" {
		return fmt.Errorf("%w: token set is incomplete", brokererrors.ErrInvalidRequest)
	}

	rec, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return brokererrors.ErrInvalidSession
	}

	if rec.AccessToken != tokens.AccessToken {
		b.deleteIndexIfOwned(ctx, rec.AccessToken, id)
	}

	now := b.clock.Now().UTC()
	rec.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		sealed, err := b.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return fmt.Errorf("%w: %w", brokererrors.ErrEncryptionFailure, err)
		}
		rec.RefreshToken = sealed
	}
	b.applyTokenTimes(rec, tokens, now)
	rec.LastActivityAt = now

	ok, err := b.rewrite(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		return brokererrors.ErrInvalidSession
	}
	b.writeIndex(ctx, rec.AccessToken, id)
	return nil
}

// RefreshSessionToken renews the session's tokens with the identity provider.
// It returns false without error when the session is gone, its refresh token
// has expired, or the provider rejects it; in the last two cases the session
// is removed. Provider unavailability returns false and the error, leaving
// the session untouched.
func (b *Broker) RefreshSessionToken(ctx context.Context, id string) (bool, error) {
	ctx, span := b.tracer.Start(ctx, "session.refresh")
	defer span.End()

	log := logger.FromContext(ctx).With("session", logger.Fingerprint(id))

	rec, expired, err := b.resolve(ctx, id)
	if err != nil {
		b.countRefresh(ctx, "error")
		return false, err
	}
	if expired {
		log.Warn("refresh token expired, session removed")
		b.countRefresh(ctx, "expired")
		return false, nil
	}
	if rec == nil {
		b.countRefresh(ctx, "no_session")
		return false, nil
	}

	tokens, err := b.provider.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		log.Error("token refresh failed", "error", err)
		b.countRefresh(ctx, "error")
		return false, err
	}
	if tokens == nil {
		log.Info("identity provider rejected refresh token, removing session")
		b.purge(ctx, rec, "refresh_rejected")
		b.countRefresh(ctx, "rejected")
		return false, nil
	}

	if err := b.UpdateSession(ctx, id, tokens); err != nil {
		b.countRefresh(ctx, "error")
		return false, err
	}

	log.Info("session tokens refreshed")
	b.countRefresh(ctx, "success")
	return true, nil
}

// RemoveSession deletes the session and, when it still owns it, its index
// entry. Removing an absent session is not an error.
func (b *Broker) RemoveSession(ctx context.Context, id string) error {
	rec, err := b.load(ctx, id)
	if err != nil {
		return err
	}

	if err := b.store.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("%w: delete session: %w", brokererrors.ErrInternal, err)
	}
	if rec == nil {
		return nil
	}

	b.deleteIndexIfOwned(ctx, rec.AccessToken, id)
	b.removed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "logout")))
	logger.FromContext(ctx).Info("session removed", "session", logger.Fingerprint(id))
	return nil
}

// IsSessionValid reports whether id names a live session. When the access
// token is within the refresh grace window it refreshes proactively and
// returns the refresh result, so this is not a pure read.
func (b *Broker) IsSessionValid(ctx context.Context, id string) (bool, error) {
	rec, err := b.GetSession(ctx, id)
	if err != nil || rec == nil {
		return false, err
	}
	if rec.AccessExpiresWithin(b.clock.Now(), b.refreshGrace) {
		return b.RefreshSessionToken(ctx, id)
	}
	return true, nil
}

// PreRotate copies the session under a fresh identifier and points the
// access-token index at the copy. The old record stays valid until
// FinalizeRotate. Returns "" when oldID names no live session.
func (b *Broker) PreRotate(ctx context.Context, oldID string) (string, error) {
	newID, _, err := b.preRotate(ctx, oldID)
	return newID, err
}

func (b *Broker) preRotate(ctx context.Context, oldID string) (string, *Record, error) {
	rec, err := b.GetSession(ctx, oldID)
	if err != nil || rec == nil {
		return "", nil, err
	}

	newID, err := newSessionID()
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", brokererrors.ErrInternal, err)
	}

	copied := rec.clone()
	copied.SessionID = newID
	copied.LastActivityAt = b.clock.Now().UTC()

	if err := b.writeSealed(ctx, copied); err != nil {
		return "", nil, err
	}
	b.writeIndex(ctx, copied.AccessToken, newID)

	b.rotated.Add(ctx, 1)
	logger.FromContext(ctx).Debug("session rotated",
		"from", logger.Fingerprint(oldID), "to", logger.Fingerprint(newID))
	return newID, copied, nil
}

// FinalizeRotate retires the old identifier of a rotation. The index entry
// is left alone because PreRotate already pointed it at the new record.
// Calling it twice is harmless.
func (b *Broker) FinalizeRotate(ctx context.Context, oldID string) error {
	if err := b.store.Delete(ctx, sessionKey(oldID)); err != nil {
		return fmt.Errorf("%w: finalize rotation: %w", brokererrors.ErrInternal, err)
	}
	return nil
}

// applyTokenTimes converts relative lifetimes to absolute expiries. A
// provider that reports no refresh lifetime gets one session timeout, never
// shorter than the access token.
func (b *Broker) applyTokenTimes(rec *Record, tokens *idp.TokenSet, now time.Time) {
	rec.AccessTokenExpiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second)

	switch {
	case tokens.RefreshExpiresIn > 0:
		rec.RefreshTokenExpiresAt = now.Add(time.Duration(tokens.RefreshExpiresIn) * time.Second)
	case tokens.RefreshToken != "" || rec.RefreshTokenExpiresAt.IsZero():
		rec.RefreshTokenExpiresAt = now.Add(b.sessionTimeout)
	}
	if rec.RefreshTokenExpiresAt.Before(rec.AccessTokenExpiresAt) {
		rec.RefreshTokenExpiresAt = rec.AccessTokenExpiresAt
	}
}

// load reads the persisted record without side effects.
func (b *Broker) load(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}

	raw, err := b.store.Get(ctx, sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %w", brokererrors.ErrInternal, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		logger.FromContext(ctx).Error("discarding unreadable session record",
			"session", logger.Fingerprint(id), "error", err)
		_ = b.store.Delete(ctx, sessionKey(id))
		return nil, nil
	}
	rec.SessionID = id
	return &rec, nil
}

// writeSealed encrypts rec's plaintext refresh token and persists it.
func (b *Broker) writeSealed(ctx context.Context, rec *Record) error {
	sealed, err := b.cipher.Encrypt(rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("%w: %w", brokererrors.ErrEncryptionFailure, err)
	}
	out := *rec
	out.RefreshToken = sealed
	return b.writeRaw(ctx, &out)
}

// writeRaw persists rec as-is; its refresh token must already be ciphertext.
func (b *Broker) writeRaw(ctx context.Context, rec *Record) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := b.store.Set(ctx, sessionKey(rec.SessionID), data, b.sessionTimeout); err != nil {
		return fmt.Errorf("%w: write session: %w", brokererrors.ErrInternal, err)
	}
	return nil
}

// rewrite is writeRaw for a record that must already exist. It reports false
// when the record has been deleted in the meantime.
func (b *Broker) rewrite(ctx context.Context, rec *Record) (bool, error) {
	data, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	ok, err := b.store.SetIfExists(ctx, sessionKey(rec.SessionID), data, b.sessionTimeout)
	if err != nil {
		return false, fmt.Errorf("%w: write session: %w", brokererrors.ErrInternal, err)
	}
	return ok, nil
}

func encodeRecord(rec *Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("%w: encode session: %w", brokererrors.ErrInternal, err)
	}
	return string(data), nil
}

// writeIndex is best effort: the index is an optimisation, never authoritative.
func (b *Broker) writeIndex(ctx context.Context, accessToken, id string) {
	if err := b.store.Set(ctx, tokenKey(accessToken), id, b.tokenIndexTTL); err != nil {
		logger.FromContext(ctx).Warn("failed to write access token index",
			"session", logger.Fingerprint(id), "error", err)
	}
}

func (b *Broker) deleteIndexIfOwned(ctx context.Context, accessToken, id string) {
	if accessToken == "" {
		return
	}
	owner, err := b.store.Get(ctx, tokenKey(accessToken))
	if err != nil || owner != id {
		return
	}
	if err := b.store.Delete(ctx, tokenKey(accessToken)); err != nil {
		logger.FromContext(ctx).Warn("failed to delete access token index",
			"session", logger.Fingerprint(id), "error", err)
	}
}

// purge deletes a record that must not be served again, record first.
func (b *Broker) purge(ctx context.Context, rec *Record, reason string) {
	if err := b.store.Delete(ctx, sessionKey(rec.SessionID)); err != nil {
		logger.FromContext(ctx).Warn("failed to purge session",
			"session", logger.Fingerprint(rec.SessionID), "reason", reason, "error", err)
		return
	}
	b.deleteIndexIfOwned(ctx, rec.AccessToken, rec.SessionID)
	b.removed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (b *Broker) countRefresh(ctx context.Context, outcome string) {
	b.refreshs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func newSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
