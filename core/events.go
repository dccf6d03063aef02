package core

import (
	"context"
	"time"
)

// EventKind names a lifecycle notice published after a resolution.
type EventKind string

const (
	EventRecognized EventKind = "identity.recognized"
	EventSynced     EventKind = "identity.synced"
	EventCreated    EventKind = "identity.created"
)

// Event carries only the resolved account id.
type Event struct {
	Kind      EventKind `json:"kind"`
	AccountID string    `json:"account_id"`
	At        time.Time `json:"at"`
}

// Notifier publishes identity events to an external sink.
// Delivery is best-effort: errors are logged by the caller and never fail a login.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }
