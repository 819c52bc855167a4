// Package settlement applies payment processor outcomes to the ledger.
//
// Purchase initiation and settlement are separate state machines joined only
// by the processor's intent id. A notification may arrive before the intent
// row exists, after it was settled, or more than once; the intent's status is
// the single idempotency gate.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Reconciler settles payment intents.
type Reconciler struct {
	db *sqlite.DB
}

// NewReconciler creates a reconciler.
func NewReconciler(db *sqlite.DB) *Reconciler {
	return &Reconciler{db: db}
}

// Reconcile applies one notification. It reports NotFound when no intent
// matches (nothing is written), AlreadyApplied when the intent is already
// terminal, and Applied when this call settled it. Any error leaves the
// intent pending so the notification can be retried.
func (r *Reconciler) Reconcile(ctx context.Context, n domain.Notification) (domain.SettlementResult, error) {
	if n.IntentID == "" {
		return "", &domain.ValidationError{Field: "intent_id", Message: "required"}
	}
	if n.Outcome != domain.OutcomeSucceeded && n.Outcome != domain.OutcomeFailed {
		return "", &domain.ValidationError{Field: "outcome", Message: fmt.Sprintf("unknown outcome %q", n.Outcome)}
	}

	var result domain.SettlementResult
	var rec *domain.PaymentIntentRecord
	err := r.db.WithTx(ctx, "reconcile", func(tx *sqlite.Tx) error {
		var err error
		rec, err = tx.GetIntent(n.IntentID)
		if errors.Is(err, domain.ErrIntentNotFound) {
			result = domain.SettlementNotFound
			return nil
		}
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			result = domain.SettlementAlreadyApplied
			return nil
		}
		if n.AccountID != "" && n.AccountID != rec.AccountID {
			return fmt.Errorf("intent %s: %w (notification %s, record %s)",
				n.IntentID, domain.ErrAccountMismatch, n.AccountID, rec.AccountID)
		}

		switch n.Outcome {
		case domain.OutcomeSucceeded:
			if _, err := tx.SettleIntent(n.IntentID, domain.IntentSucceeded); err != nil {
				return err
			}
			if _, err := tx.LockAccount(rec.AccountID); err != nil {
				return err
			}
			reason := fmt.Sprintf("Purchased %d credits (%s)", rec.CreditsGranted, rec.ProductID)
			if _, err := tx.AppendEntry(rec.AccountID, rec.CreditsGranted, domain.KindPurchase, reason, rec.IntentID); err != nil {
				return err
			}
		case domain.OutcomeFailed:
			if _, err := tx.SettleIntent(n.IntentID, domain.IntentFailed); err != nil {
				return err
			}
		}
		result = domain.SettlementApplied
		return nil
	})
	if err != nil {
		observability.SettlementOutcomes.WithLabelValues("error").Inc()
		return "", err
	}

	observability.SettlementOutcomes.WithLabelValues(string(result)).Inc()
	switch result {
	case domain.SettlementApplied:
		if n.Amount > 0 && n.Amount != rec.AmountCents {
			log.Warn().
				Str("intent_id", n.IntentID).
				Int64("notified_amount", n.Amount).
				Int64("recorded_amount", rec.AmountCents).
				Msg("settled amount differs from recorded intent")
		}
		if n.Outcome == domain.OutcomeSucceeded {
			observability.CreditsCredited.WithLabelValues(string(domain.KindPurchase)).Add(float64(rec.CreditsGranted))
		}
		log.Info().
			Str("intent_id", n.IntentID).
			Str("account_id", rec.AccountID).
			Str("outcome", string(n.Outcome)).
			Int64("credits", rec.CreditsGranted).
			Msg("payment intent settled")
	case domain.SettlementAlreadyApplied:
		log.Info().Str("intent_id", n.IntentID).Msg("duplicate settlement notification ignored")
	case domain.SettlementNotFound:
		log.Warn().Str("intent_id", n.IntentID).Msg("settlement notification for unknown intent")
	}
	return result, nil
}
