// Package maintenance runs periodic operator reports. The duplicate-email
// report lists the accounts that make an OIDC login fail as ambiguous, so an
// operator can merge or re-address them.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/PaulFidika/oidclink/identity"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSchedule runs the report at 03:17 every day.
const DefaultSchedule = "17 3 * * *"

// DuplicateLister is the part of identity.Store the report needs.
type DuplicateLister interface {
	DuplicateEmails(ctx context.Context) ([]identity.DuplicateEmail, error)
}

// DuplicateReporter logs every email shared by more than one account.
type DuplicateReporter struct {
	Store   DuplicateLister
	Log     logrus.FieldLogger
	Timeout time.Duration
}

// Run executes one report and returns the duplicate groups it found.
func (r *DuplicateReporter) Run(ctx context.Context) ([]identity.DuplicateEmail, error) {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	dups, err := r.Store.DuplicateEmails(ctx)
	if err != nil {
		return nil, fmt.Errorf("maintenance: listing duplicate emails: %w", err)
	}
	for _, d := range dups {
		log.WithFields(logrus.Fields{
			"email":       d.Email,
			"candidates":  len(d.AccountIDs),
			"account_ids": d.AccountIDs,
		}).Warn("email shared by multiple accounts; OIDC logins for it will be refused")
	}
	log.WithField("groups", len(dups)).Info("duplicate email report finished")
	return dups, nil
}

// ScheduleDuplicateReport registers the report on c. An empty spec uses
// DefaultSchedule. Failed runs are logged and retried at the next tick.
func ScheduleDuplicateReport(c *cron.Cron, spec string, r *DuplicateReporter) (cron.EntryID, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	return c.AddFunc(spec, func() {
		if _, err := r.Run(context.Background()); err != nil {
			log := r.Log
			if log == nil {
				log = logrus.StandardLogger()
			}
			log.WithError(err).Error("duplicate email report failed")
		}
	})
}
