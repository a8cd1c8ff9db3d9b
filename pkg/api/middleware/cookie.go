// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"time"
)

// DefaultCookieName is the session cookie name the frontend expects.
const DefaultCookieName = "bionic_pro_session_id"

// SessionCookie writes and reads the session identifier cookie.
type SessionCookie struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// NewSessionCookie returns cookie settings with defaults filled in.
func NewSessionCookie(name string, secure bool, maxAge time.Duration) *SessionCookie {
	if name == "" {
		name = DefaultCookieName
	}
	return &SessionCookie{Name: name, Secure: secure, MaxAge: maxAge}
}

// Read returns the session identifier carried by r, or "".
func (c *SessionCookie) Read(r *http.Request) string {
	ck, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return ck.Value
}

// Set issues the cookie for id, replacing any session cookie already queued
// on this response.
func (c *SessionCookie) Set(w http.ResponseWriter, id string) {
	w.Header().Del("Set-Cookie")
	http.SetCookie(w, c.build(id, int(c.MaxAge/time.Second)))
}

// Clear instructs the client to drop the cookie.
func (c *SessionCookie) Clear(w http.ResponseWriter) {
	w.Header().Del("Set-Cookie")
	http.SetCookie(w, c.build("", -1))
}

func (c *SessionCookie) build(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
