package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulFidika/oidclink/core"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/sirupsen/logrus"
)

// IdentityEventArgs is the River job payload for one identity event.
type IdentityEventArgs struct {
	Event     string    `json:"event"`
	AccountID string    `json:"account_id"`
	At        time.Time `json:"at"`
}

func (IdentityEventArgs) Kind() string { return "oidclink_identity_event" }

// JobInserter is the subset of *river.Client used to enqueue events.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverNotifier enqueues events so downstream delivery survives restarts.
type RiverNotifier struct {
	client JobInserter
	queue  string
}

func NewRiverNotifier(client JobInserter, queue string) *RiverNotifier {
	if queue == "" {
		queue = river.QueueDefault
	}
	return &RiverNotifier{client: client, queue: queue}
}

func (n *RiverNotifier) Notify(ctx context.Context, ev core.Event) error {
	args := IdentityEventArgs{Event: string(ev.Kind), AccountID: ev.AccountID, At: ev.At}
	if _, err := n.client.Insert(ctx, args, &river.InsertOpts{Queue: n.queue, MaxAttempts: 5}); err != nil {
		return fmt.Errorf("notify: enqueueing %s: %w", ev.Kind, err)
	}
	return nil
}

// IdentityEventWorker hands queued events to Next, retrying through River on error.
type IdentityEventWorker struct {
	river.WorkerDefaults[IdentityEventArgs]
	Next core.Notifier
	Log  logrus.FieldLogger
}

func (w *IdentityEventWorker) Work(ctx context.Context, job *river.Job[IdentityEventArgs]) error {
	ev := core.Event{Kind: core.EventKind(job.Args.Event), AccountID: job.Args.AccountID, At: job.Args.At}
	if w.Log != nil {
		w.Log.WithFields(logrus.Fields{
			"event":      job.Args.Event,
			"account_id": job.Args.AccountID,
			"attempt":    job.Attempt,
		}).Debug("delivering identity event")
	}
	if w.Next == nil {
		return nil
	}
	return w.Next.Notify(ctx, ev)
}
