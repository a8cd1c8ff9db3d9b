// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"time"
)

// Record is the server-side state behind a session identifier.
//
// RefreshToken holds ciphertext while persisted. Records returned by the
// Broker carry the decrypted value and must not be written back directly.
type Record struct {
	SessionID             string    `json:"session_id"`
	UserID                string    `json:"user_id"`
	CrmID                 int64     `json:"crm_id"`
	Username              string    `json:"username"`
	Roles                 []string  `json:"roles"`
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	CreatedAt             time.Time `json:"created_at"`
	LastActivityAt        time.Time `json:"last_activity_at"`
}

// Dead reports whether the refresh token has expired at now. A dead record
// can never be renewed and is purged on next access.
func (r *Record) Dead(now time.Time) bool {
	return !now.Before(r.RefreshTokenExpiresAt)
}

// AccessExpiresWithin reports whether the access token expires within d of now.
func (r *Record) AccessExpiresWithin(now time.Time, d time.Duration) bool {
	return !now.Add(d).Before(r.AccessTokenExpiresAt)
}

// HasRole reports whether the record carries role.
func (r *Record) HasRole(role string) bool {
	return slices.Contains(r.Roles, role)
}

func (r *Record) clone() *Record {
	c := *r
	c.Roles = slices.Clone(r.Roles)
	return &c
}

func sessionKey(id string) string {
	return "session:" + id
}

func tokenKey(accessToken string) string {
	return "token:" + accessToken
}
