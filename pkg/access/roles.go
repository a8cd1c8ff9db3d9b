// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"encoding/json"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"

	"github.com/stacklok/sessionbroker/pkg/logger"
)

// Flat claims that may carry roles directly, as a string or an array.
var flatRoleClaims = []string{
	"roles",
	"role",
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
}

// ExtractRoles collects role names from every place a Keycloak-style token
// may carry them: the flat claims above, realm_access.roles and
// resource_access.<client>.roles. Nested claims may be objects or JSON
// encoded strings. A malformed source is skipped without affecting the
// others. The result is deduplicated and keeps first-seen order.
func ExtractRoles(claims jwt.MapClaims) []string {
	var roles roleSet

	for _, name := range flatRoleClaims {
		switch v := claims[name].(type) {
		case string:
			roles.add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					roles.add(s)
				}
			}
		case []string:
			roles.add(v...)
		}
	}

	if realm, ok := nestedClaim(claims, "realm_access"); ok {
		roles.addArray(realm.Get("roles"), "realm_access")
	}

	if resources, ok := nestedClaim(claims, "resource_access"); ok {
		if !resources.IsObject() {
			logger.Warnw("ignoring malformed roles claim", "claim", "resource_access")
		} else {
			resources.ForEach(func(client, value gjson.Result) bool {
				roles.addArray(value.Get("roles"), "resource_access."+client.String())
				return true
			})
		}
	}

	return roles.list()
}

// nestedClaim returns the claim as a parsed JSON value whether it arrived as
// an object or as a JSON-encoded string.
func nestedClaim(claims jwt.MapClaims, name string) (gjson.Result, bool) {
	v, ok := claims[name]
	if !ok || v == nil {
		return gjson.Result{}, false
	}

	var raw string
	switch typed := v.(type) {
	case string:
		raw = typed
	default:
		b, err := json.Marshal(typed)
		if err != nil {
			logger.Warnw("ignoring malformed roles claim", "claim", name, "error", err)
			return gjson.Result{}, false
		}
		raw = string(b)
	}

	if !gjson.Valid(raw) {
		logger.Warnw("ignoring malformed roles claim", "claim", name)
		return gjson.Result{}, false
	}
	return gjson.Parse(raw), true
}

type roleSet struct {
	seen  map[string]struct{}
	order []string
}

func (s *roleSet) add(roles ...string) {
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, ok := s.seen[r]; ok {
			continue
		}
		s.seen[r] = struct{}{}
		s.order = append(s.order, r)
	}
}

func (s *roleSet) addArray(v gjson.Result, source string) {
	if !v.Exists() {
		return
	}
	if !v.IsArray() {
		logger.Warnw("ignoring malformed roles claim", "claim", source)
		return
	}
	for _, item := range v.Array() {
		if item.Type == gjson.String {
			s.add(item.Str)
		}
	}
}

func (s *roleSet) list() []string {
	if s.order == nil {
		return []string{}
	}
	return s.order
}
