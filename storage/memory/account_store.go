package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/oidclink/identity"
	"github.com/google/uuid"
)

var _ identity.Store = (*AccountStore)(nil)

// AccountStore is an in-memory identity.Store for tests and single-node dev.
// IDs and usernames are unique. If UniqueNamespace/UniqueField are set, the
// string value at that metadata path is unique as well, mirroring the
// Postgres partial index.
type AccountStore struct {
	mu       sync.Mutex
	accounts map[string]*identity.Account
	order    []string
	writes   int

	UniqueNamespace string
	UniqueField     string
}

// NewAccountStore returns an empty store enforcing unique subjects in namespace.
func NewAccountStore(namespace string) *AccountStore {
	s := &AccountStore{accounts: make(map[string]*identity.Account)}
	if namespace != "" {
		s.UniqueNamespace = namespace
		s.UniqueField = identity.ClaimSubject
	}
	return s
}

// Writes returns the number of successful Create and Patch calls.
func (s *AccountStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Put inserts a fixture without counting it as a write.
func (s *AccountStore) Put(a identity.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if _, ok := s.accounts[a.ID]; !ok {
		s.order = append(s.order, a.ID)
	}
	s.accounts[a.ID] = copyAccount(&a)
}

// Get returns a copy of the account with id.
func (s *AccountStore) Get(id string) (*identity.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, false
	}
	return copyAccount(a), true
}

func (s *AccountStore) FindByMetadataField(_ context.Context, namespace, field, value string) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *identity.Account
	for _, id := range s.order {
		a := s.accounts[id]
		if v, ok := metadataString(a.Metadata, namespace, field); ok && v == value {
			if found != nil {
				return nil, fmt.Errorf("%w: %s.%s", identity.ErrMultipleMatches, namespace, field)
			}
			found = a
		}
	}
	if found == nil {
		return nil, nil
	}
	return copyAccount(found), nil
}

func (s *AccountStore) FindByEmail(_ context.Context, email string) ([]*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*identity.Account
	for _, id := range s.order {
		a := s.accounts[id]
		if strings.EqualFold(a.Email, email) {
			out = append(out, copyAccount(a))
		}
	}
	return out, nil
}

func (s *AccountStore) Create(_ context.Context, in identity.NewAccount) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := s.accounts[id]; ok {
		return nil, fmt.Errorf("%w: id %s", identity.ErrConflict, id)
	}
	for _, a := range s.accounts {
		if in.Username != "" && a.Username == in.Username {
			return nil, fmt.Errorf("%w: username %s", identity.ErrConflict, in.Username)
		}
		if s.UniqueNamespace != "" {
			newV, ok := metadataString(in.Metadata, s.UniqueNamespace, s.UniqueField)
			oldV, ok2 := metadataString(a.Metadata, s.UniqueNamespace, s.UniqueField)
			if ok && ok2 && newV == oldV {
				return nil, fmt.Errorf("%w: %s.%s", identity.ErrConflict, s.UniqueNamespace, s.UniqueField)
			}
		}
	}
	now := time.Now()
	a := &identity.Account{
		ID:          id,
		Username:    in.Username,
		Email:       in.Email,
		DisplayName: in.DisplayName,
		Credential:  in.Credential,
		Metadata:    in.Metadata.Clone(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.accounts[id] = a
	s.order = append(s.order, id)
	s.writes++
	return copyAccount(a), nil
}

func (s *AccountStore) Patch(_ context.Context, id string, p identity.AccountPatch) (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", identity.ErrNotFound, id)
	}
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.Credential != nil {
		a.Credential = *p.Credential
	}
	for ns, raw := range p.Metadata {
		a.Metadata = a.Metadata.With(ns, raw)
	}
	a.UpdatedAt = time.Now()
	s.writes++
	return copyAccount(a), nil
}

func (s *AccountStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Username == username {
			return true, nil
		}
	}
	return false, nil
}

func (s *AccountStore) DuplicateEmails(_ context.Context) ([]identity.DuplicateEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := map[string][]string{}
	for _, id := range s.order {
		key := strings.ToLower(s.accounts[id].Email)
		if key == "" {
			continue
		}
		groups[key] = append(groups[key], id)
	}
	var out []identity.DuplicateEmail
	for email, ids := range groups {
		if len(ids) > 1 {
			out = append(out, identity.DuplicateEmail{Email: email, AccountIDs: ids})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func metadataString(m identity.Metadata, namespace, field string) (string, bool) {
	raw, ok := m.Namespace(namespace)
	if !ok {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", false
	}
	v, ok := obj[field].(string)
	return v, ok
}

func copyAccount(a *identity.Account) *identity.Account {
	cp := *a
	cp.Metadata = a.Metadata.Clone()
	return &cp
}
