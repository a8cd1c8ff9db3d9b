// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/stacklok/sessionbroker/pkg/logger"
	"github.com/stacklok/sessionbroker/pkg/session"
)

// DefaultFinalizeTimeout bounds the post-response rotation commit.
const DefaultFinalizeTimeout = 5 * time.Second

// Rotator begins session identifier rotations. *session.Broker satisfies it.
type Rotator interface {
	BeginRotation(ctx context.Context, oldID string) (*session.Rotation, error)
}

type rotationKey struct{}

// RotationFromContext returns the rotation begun for this request, if any.
func RotationFromContext(ctx context.Context) (*session.Rotation, bool) {
	rot, ok := ctx.Value(rotationKey{}).(*session.Rotation)
	return rot, ok && rot != nil
}

// SessionRotation gives every request carrying a live session cookie a fresh
// session identifier. The new cookie is set before the handler runs and the
// old identifier is retired after it returns, panics included. Requests
// without a live session pass through unchanged.
func SessionRotation(rotator Rotator, cookie *SessionCookie, finalizeTimeout time.Duration) func(http.Handler) http.Handler {
	if finalizeTimeout <= 0 {
		finalizeTimeout = DefaultFinalizeTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			oldID := cookie.Read(r)
			if oldID == "" {
				next.ServeHTTP(w, r)
				return
			}

			log := logger.FromContext(r.Context())
			rot, err := rotator.BeginRotation(r.Context(), oldID)
			if err != nil {
				log.Warn("session rotation failed, continuing without rotation",
					"session", logger.Fingerprint(oldID), "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if rot == nil {
				next.ServeHTTP(w, r)
				return
			}

			cookie.Set(w, rot.NewID)

			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), finalizeTimeout)
				defer cancel()
				if err := rot.Commit(ctx); err != nil {
					log.Error("failed to retire rotated session id",
						"session", logger.Fingerprint(oldID), "error", err)
				}
			}()

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), rotationKey{}, rot)))
		})
	}
}
