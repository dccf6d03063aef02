package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Standard userinfo claim names the reconciliation relies on.
const (
	ClaimSubject = "sub"
	ClaimEmail   = "email"
	ClaimName    = "name"
)

// ErrMalformedClaims reports a userinfo payload missing a required field.
var ErrMalformedClaims = errors.New("identity: malformed claims")

// Claims is a verified OIDC userinfo payload. Keys are untrusted and checked
// by the accessors; the signature is assumed to have been validated upstream.
type Claims map[string]any

// Subject returns the provider-scoped subject identifier.
func (c Claims) Subject() (string, bool) { return c.str(ClaimSubject) }

// Email returns the email claim.
func (c Claims) Email() (string, bool) { return c.str(ClaimEmail) }

// Name returns the display name claim.
func (c Claims) Name() (string, bool) { return c.str(ClaimName) }

func (c Claims) str(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Validate checks that sub and email are non-blank strings and that name is
// present as a string. An empty name is accepted.
func (c Claims) Validate() error {
	for _, key := range []string{ClaimSubject, ClaimEmail} {
		v, ok := c.str(key)
		if !ok || strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: missing %q", ErrMalformedClaims, key)
		}
	}
	if _, ok := c.str(ClaimName); !ok {
		return fmt.Errorf("%w: missing %q", ErrMalformedClaims, ClaimName)
	}
	return nil
}

// Clone returns a deep copy of nested maps and slices.
func (c Claims) Clone() Claims {
	if c == nil {
		return nil
	}
	out := make(Claims, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Claims:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
