// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import "time"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type loginResponse struct {
	Message string    `json:"message"`
	User    loginUser `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type sessionResponse struct {
	UserID           string    `json:"userId"`
	CrmID            int64     `json:"crmId"`
	Username         string    `json:"username"`
	Roles            []string  `json:"roles"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

type refreshResponse struct {
	Refreshed bool      `json:"refreshed"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ValidateResponse is the body of POST /api/auth/validate.
type ValidateResponse struct {
	IsValid   bool      `json:"isValid"`
	UserID    string    `json:"userId,omitempty"`
	CrmID     int64     `json:"crmId,omitempty"`
	Username  string    `json:"username,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Source    string    `json:"source,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// AccessResponse is the body of the access validation endpoints.
type AccessResponse struct {
	HasAccess     bool   `json:"hasAccess"`
	CurrentUserID string `json:"currentUserId,omitempty"`
	CrmID         int64  `json:"crmId,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
	Error         string `json:"error,omitempty"`
}
