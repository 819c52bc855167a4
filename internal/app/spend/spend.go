// Package spend coordinates every billable debit.
//
// A spend locks the account, checks the balance, appends one ledger entry per
// charge and runs the paid action's synchronous side effect, all inside one
// ledger transaction. Either all of it commits or none of it does.
package spend

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Pricing fixes the cost of billable operations before a transaction opens.
type Pricing struct {
	StorageBlockMinutes int64 // minutes of transcript covered by one credit
	SummaryCredits      int64 // flat cost of one AI summary
}

// DefaultPricing returns the standard price list.
func DefaultPricing() Pricing {
	return Pricing{
		StorageBlockMinutes: 30,
		SummaryCredits:      1,
	}
}

// StorageCost returns ceil(minutes / block). Non-positive durations are free.
func (p Pricing) StorageCost(minutes int64) int64 {
	block := p.StorageBlockMinutes
	if block <= 0 {
		block = 30
	}
	if minutes <= 0 {
		return 0
	}
	return (minutes + block - 1) / block
}

// SummaryCost returns the flat cost of an AI summary.
func (p Pricing) SummaryCost() int64 {
	return p.SummaryCredits
}

// Request is one billable operation.
type Request struct {
	AccountID string
	Charges   []domain.Charge

	// Action performs the paid resource's synchronous side effect (insert a
	// job or a transcript) inside the spend transaction. It must not call
	// external services.
	Action func(tx *sqlite.Tx) error
}

// Total returns the summed cost of all charges.
func (r Request) Total() int64 {
	var total int64
	for _, c := range r.Charges {
		total += c.Cost
	}
	return total
}

// Receipt describes a committed spend.
type Receipt struct {
	NewBalance int64                `json:"newBalance"`
	Charged    int64                `json:"charged"`
	Entries    []domain.LedgerEntry `json:"entries"`
}

// Coordinator runs spends against the ledger store.
type Coordinator struct {
	db *sqlite.DB
}

// New creates a spend coordinator.
func New(db *sqlite.DB) *Coordinator {
	return &Coordinator{db: db}
}

// Spend debits the account for every charge and runs the action, atomically.
// It returns *domain.InsufficientCreditsError without writing anything when
// the balance cannot cover the total.
func (c *Coordinator) Spend(ctx context.Context, req Request) (*Receipt, error) {
	if req.AccountID == "" {
		return nil, &domain.ValidationError{Field: "account_id", Message: "required"}
	}
	if len(req.Charges) == 0 {
		return nil, &domain.ValidationError{Field: "charges", Message: "at least one charge is required"}
	}
	for _, ch := range req.Charges {
		if err := ch.Validate(); err != nil {
			return nil, err
		}
	}

	total := req.Total()
	label := string(req.Charges[0].Kind)
	receipt := &Receipt{Charged: total}

	err := c.db.WithTx(ctx, "spend", func(tx *sqlite.Tx) error {
		balance, err := tx.LockAccount(req.AccountID)
		if err != nil {
			return err
		}
		if balance < total {
			return &domain.InsufficientCreditsError{Current: balance, Required: total}
		}

		for _, ch := range req.Charges {
			if ch.Cost == 0 {
				continue
			}
			entry, err := tx.AppendEntry(req.AccountID, -ch.Cost, ch.Kind, ch.Reason, ch.Ref)
			if err != nil {
				return err
			}
			receipt.Entries = append(receipt.Entries, *entry)
		}

		if req.Action != nil {
			if err := req.Action(tx); err != nil {
				return err
			}
		}
		receipt.NewBalance = balance - total
		return nil
	})
	if err != nil {
		observability.SpendAttempts.WithLabelValues(label, outcomeLabel(err)).Inc()
		var ice *domain.InsufficientCreditsError
		if errors.As(err, &ice) {
			log.Info().
				Str("account_id", req.AccountID).
				Int64("current", ice.Current).
				Int64("required", ice.Required).
				Msg("spend rejected: insufficient credits")
		}
		return nil, err
	}

	observability.SpendAttempts.WithLabelValues(label, "ok").Inc()
	for _, e := range receipt.Entries {
		observability.CreditsDebited.WithLabelValues(string(e.Kind)).Add(float64(-e.Delta))
	}
	log.Debug().
		Str("account_id", req.AccountID).
		Int64("charged", total).
		Int64("balance", receipt.NewBalance).
		Msg("spend committed")
	return receipt, nil
}

// Adjust appends an admin_adjustment entry. It is the only path allowed to
// drive a balance negative.
func (c *Coordinator) Adjust(ctx context.Context, accountID string, delta int64, reason string) (*domain.LedgerEntry, int64, error) {
	if delta == 0 {
		return nil, 0, &domain.ValidationError{Field: "delta", Message: "must be non-zero"}
	}
	if reason == "" {
		return nil, 0, &domain.ValidationError{Field: "reason", Message: "required"}
	}

	var entry *domain.LedgerEntry
	var newBalance int64
	err := c.db.WithTx(ctx, "adjust", func(tx *sqlite.Tx) error {
		balance, err := tx.LockAccount(accountID)
		if err != nil {
			return err
		}
		entry, err = tx.AppendEntry(accountID, delta, domain.KindAdminAdjustment, reason, "")
		if err != nil {
			return err
		}
		newBalance = balance + delta
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("adjust %s: %w", accountID, err)
	}

	if delta > 0 {
		observability.CreditsCredited.WithLabelValues(string(domain.KindAdminAdjustment)).Add(float64(delta))
	} else {
		observability.CreditsDebited.WithLabelValues(string(domain.KindAdminAdjustment)).Add(float64(-delta))
	}
	log.Info().
		Str("account_id", accountID).
		Int64("delta", delta).
		Int64("balance", newBalance).
		Str("reason", reason).
		Msg("admin adjustment applied")
	return entry, newBalance, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}
