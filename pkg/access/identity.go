// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/sessionbroker/pkg/session"
)

// Identity is who a caller is, independent of how they were authenticated.
type Identity struct {
	UserID    string
	Username  string
	CrmID     int64
	Roles     []string
	ExpiresAt time.Time
}

// IdentityFromToken reads identity claims from a JWT access token.
//
// The signature is not verified. Callers must already trust the token,
// either because it belongs to a live session or because the identity
// provider reported it active.
func IdentityFromToken(token string) (*Identity, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return nil, err
	}

	id := &Identity{
		UserID:   stringClaim(claims, "sub"),
		Username: stringClaim(claims, "preferred_username"),
		CrmID:    ParseCrmID(claims["crm_id"]),
		Roles:    ExtractRoles(claims),
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.UTC()
	}
	return id, nil
}

// IdentityFromRecord converts a live session into an Identity.
func IdentityFromRecord(rec *session.Record) *Identity {
	return &Identity{
		UserID:    rec.UserID,
		Username:  rec.Username,
		CrmID:     rec.CrmID,
		Roles:     rec.Roles,
		ExpiresAt: rec.AccessTokenExpiresAt,
	}
}

func parseClaims(token string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("failed to extract claims")
	}
	return claims, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	s, _ := claims[name].(string)
	return s
}

// ParseCrmID accepts the CRM id as a string or a number. Anything that does
// not parse as an integer yields 0, meaning unset.
func ParseCrmID(v any) int64 {
	switch typed := v.(type) {
	case string:
		n, err := strconv.ParseInt(typed, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(typed)
	case json.Number:
		n, err := typed.Int64()
		if err != nil {
			return 0
		}
		return n
	case int64:
		return typed
	case int:
		return int64(typed)
	default:
		return 0
	}
}
