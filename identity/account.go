package identity

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("identity: not found")
	ErrConflict        = errors.New("identity: conflict")
	ErrMultipleMatches = errors.New("identity: multiple accounts match")
)

// Metadata is the extensible per-account blob: namespace -> opaque JSON value.
// Each integration owns one namespace and must leave the others alone.
type Metadata map[string]json.RawMessage

// Namespace returns the raw value stored under name.
func (m Metadata) Namespace(name string) (json.RawMessage, bool) {
	if m == nil {
		return nil, false
	}
	raw, ok := m[name]
	return raw, ok
}

// With returns a copy of m with name replaced by raw. m is not modified.
func (m Metadata) With(name string, raw json.RawMessage) Metadata {
	out := m.Clone()
	if out == nil {
		out = Metadata{}
	}
	out[name] = append(json.RawMessage(nil), raw...)
	return out
}

// Clone copies the map and every raw value.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Account is a local user record.
type Account struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	Credential  string
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewAccount is the create request. An empty ID lets the store generate one.
type NewAccount struct {
	ID          string
	Username    string
	Email       string
	DisplayName string
	Credential  string
	Metadata    Metadata
}

// AccountPatch lists the fields to change. Nil pointers are left untouched;
// each Metadata namespace present replaces the stored one wholesale.
type AccountPatch struct {
	DisplayName *string
	Credential  *string
	Metadata    Metadata
}

// DuplicateEmail is one group of accounts sharing an email case-insensitively.
type DuplicateEmail struct {
	Email      string
	AccountIDs []string
}
