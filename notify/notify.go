// Package notify delivers core identity events to logs, Redis and River.
package notify

import (
	"context"
	"errors"

	"github.com/PaulFidika/oidclink/core"
	"github.com/sirupsen/logrus"
)

// Log writes each event as a structured log line.
type Log struct {
	Logger logrus.FieldLogger
}

func (l Log) Notify(_ context.Context, ev core.Event) error {
	lg := l.Logger
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	lg.WithFields(logrus.Fields{
		"event":      string(ev.Kind),
		"account_id": ev.AccountID,
	}).Info("identity event")
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []core.Notifier

func (m Multi) Notify(ctx context.Context, ev core.Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
