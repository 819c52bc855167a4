// Package jobs tracks billable jobs after the spend that paid for them.
//
// A job is created pending inside the spend transaction. From then on the
// only writers are the completion handlers below, each scoped to the job row:
// pending moves to completed or failed exactly once. Failed jobs keep their
// debit; Refund is the explicit compensating operation.
package jobs

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Tracker owns job state transitions.
type Tracker struct {
	db *sqlite.DB
}

// NewTracker creates a job tracker.
func NewTracker(db *sqlite.DB) *Tracker {
	return &Tracker{db: db}
}

// Complete stores the result and moves the job to completed. It returns
// false, nil when the job was already terminal.
func (t *Tracker) Complete(ctx context.Context, jobID, result string) (bool, error) {
	applied, err := t.db.FinishJob(ctx, jobID, domain.JobCompleted, &result, "")
	if err != nil {
		return false, err
	}
	t.record(jobID, domain.JobCompleted, applied)
	return applied, nil
}

// Fail moves the job to failed. The debit stays in place.
func (t *Tracker) Fail(ctx context.Context, jobID, errInfo string) (bool, error) {
	applied, err := t.db.FinishJob(ctx, jobID, domain.JobFailed, nil, errInfo)
	if err != nil {
		return false, err
	}
	t.record(jobID, domain.JobFailed, applied)
	return applied, nil
}

func (t *Tracker) record(jobID string, status domain.JobStatus, applied bool) {
	if !applied {
		log.Debug().Str("job_id", jobID).Str("status", string(status)).Msg("redundant completion ignored, job already terminal")
		return
	}
	observability.JobTransitions.WithLabelValues(string(status)).Inc()
}

// Get returns a job owned by accountID. Jobs of other accounts are reported
// as not found.
func (t *Tracker) Get(ctx context.Context, accountID, jobID string) (*domain.BillableJob, error) {
	job, err := t.db.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// Refund credits a failed job's cost back to its account, once. Pending and
// completed jobs cannot be refunded.
func (t *Tracker) Refund(ctx context.Context, jobID, reason string) (*domain.LedgerEntry, error) {
	if reason == "" {
		reason = "Refund for failed job " + jobID
	}

	var entry *domain.LedgerEntry
	err := t.db.WithTx(ctx, "refund_job", func(tx *sqlite.Tx) error {
		job, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobFailed {
			return &domain.ConflictError{Resource: "job", ID: jobID, Message: fmt.Sprintf("cannot refund a %s job", job.Status)}
		}
		if job.Refunded {
			return &domain.ConflictError{Resource: "job", ID: jobID, Message: "already refunded"}
		}
		if job.CostCharged <= 0 {
			return &domain.ConflictError{Resource: "job", ID: jobID, Message: "nothing to refund"}
		}
		if _, err := tx.LockAccount(job.AccountID); err != nil {
			return err
		}
		entry, err = tx.AppendEntry(job.AccountID, job.CostCharged, domain.KindRefund, reason, jobID)
		if err != nil {
			return err
		}
		return tx.MarkJobRefunded(jobID)
	})
	if err != nil {
		return nil, err
	}

	observability.CreditsCredited.WithLabelValues(string(domain.KindRefund)).Add(float64(entry.Delta))
	log.Info().
		Str("job_id", jobID).
		Str("account_id", entry.AccountID).
		Int64("credits", entry.Delta).
		Msg("failed job refunded")
	return entry, nil
}
