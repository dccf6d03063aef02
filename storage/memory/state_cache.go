package memorystore

import (
	"context"
	"sync"
	"time"

	oidckit "github.com/PaulFidika/oidclink/oidc"
)

var (
	_ oidckit.StateCache = (*StateCache)(nil)
	_ oidckit.StateTaker = (*StateCache)(nil)
)

// StateCache keeps pending PKCE logins in memory until they expire.
type StateCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	data      map[string]pending
	closed    chan struct{}
	closeOnce sync.Once
}

type pending struct {
	v   oidckit.StateData
	exp time.Time
}

// NewStateCache creates an in-memory state cache. A ttl <= 0 means 10 minutes.
// Expired entries are swept every minute until Close.
func NewStateCache(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &StateCache{ttl: ttl, now: time.Now, data: make(map[string]pending), closed: make(chan struct{})}
	go c.sweepLoop(time.Minute)
	return c
}

func (s *StateCache) Put(_ context.Context, state string, v oidckit.StateData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	s.data[state] = pending{v: v, exp: s.now().Add(s.ttl)}
	return nil
}

func (s *StateCache) Get(_ context.Context, state string) (oidckit.StateData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[state]
	if !ok {
		return oidckit.StateData{}, false, nil
	}
	if s.now().After(p.exp) {
		delete(s.data, state)
		return oidckit.StateData{}, false, nil
	}
	return p.v, true, nil
}

// Take returns the live entry for state and removes it.
func (s *StateCache) Take(_ context.Context, state string) (oidckit.StateData, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[state]
	delete(s.data, state)
	if !ok || s.now().After(p.exp) {
		return oidckit.StateData{}, false, nil
	}
	return p.v, true, nil
}

func (s *StateCache) Del(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, state)
	return nil
}

// Len reports how many entries are held, expired or not.
func (s *StateCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *StateCache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.closed:
			return
		}
	}
}

func (s *StateCache) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, p := range s.data {
		if now.After(p.exp) {
			delete(s.data, k)
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *StateCache) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
