package oidckit

import (
	"context"
	"time"
)

// StateData is what the login step remembers for the callback, keyed by the
// OAuth state parameter.
type StateData struct {
	Verifier  string    `json:"verifier"`
	Nonce     string    `json:"nonce"`
	ReturnTo  string    `json:"return_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StateCache holds pending PKCE logins until the provider calls back.
type StateCache interface {
	Put(ctx context.Context, state string, data StateData) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}

// StateTaker is implemented by caches that can read and delete an entry in
// one step, so two callbacks racing on the same state cannot both succeed.
type StateTaker interface {
	Take(ctx context.Context, state string) (StateData, bool, error)
}

// ConsumeState returns the entry for state and removes it. Caches without
// Take fall back to Get then Del.
func ConsumeState(ctx context.Context, c StateCache, state string) (StateData, bool, error) {
	if t, ok := c.(StateTaker); ok {
		return t.Take(ctx, state)
	}
	d, ok, err := c.Get(ctx, state)
	if err != nil || !ok {
		return d, ok, err
	}
	if err := c.Del(ctx, state); err != nil {
		return StateData{}, false, err
	}
	return d, true, nil
}
