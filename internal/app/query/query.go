// Package query serves read-only views of the ledger.
package query

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// DefaultMaxLimit caps the history page size.
const DefaultMaxLimit = 100

// History is one page of an account's ledger with summary statistics.
type History struct {
	Entries    []domain.LedgerEntry `json:"entries"`
	Pagination domain.Pagination    `json:"pagination"`
	Stats      domain.CreditStats   `json:"stats"`
}

// Service answers balance and history queries.
type Service struct {
	db       *sqlite.DB
	maxLimit int
}

// New creates a query service.
func New(db *sqlite.DB, maxLimit int) *Service {
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}
	return &Service{db: db, maxLimit: maxLimit}
}

// Balance returns the account's balance.
func (s *Service) Balance(ctx context.Context, accountID string) (int64, error) {
	return s.db.Balance(ctx, accountID)
}

// History returns entries newest first. page starts at 1; limit must be in
// [1, maxLimit].
func (s *Service) History(ctx context.Context, accountID string, page, limit int) (*History, error) {
	if page < 1 {
		return nil, &domain.ValidationError{Field: "page", Message: "must be >= 1"}
	}
	if limit < 1 || limit > s.maxLimit {
		return nil, &domain.ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", s.maxLimit)}
	}

	lp, err := s.db.ReadLedgerPage(ctx, accountID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}

	return &History{
		Entries:    lp.Entries,
		Pagination: domain.NewPagination(lp.Totals.Count, page, limit),
		Stats: domain.CreditStats{
			CurrentBalance:    lp.Balance,
			TotalCredited:     lp.Totals.Credited,
			TotalDebited:      lp.Totals.Debited,
			TotalTransactions: lp.Totals.Count,
			UsagePercentage:   domain.UsagePercentage(lp.Balance, lp.Totals.Debited),
		},
	}, nil
}

// Audit compares every cached balance with its ledger sum. With repair set,
// divergent caches are rebuilt from the ledger. The returned list holds the
// divergences found before any repair.
func (s *Service) Audit(ctx context.Context, repair bool) ([]domain.BalanceDivergence, error) {
	divs, err := s.db.AuditBalances(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range divs {
		observability.BalanceDivergences.Inc()
		log.Error().
			Str("account_id", d.AccountID).
			Int64("cached", d.Cached).
			Int64("ledger_sum", d.LedgerSum).
			Msg("balance diverges from ledger")
		if !repair {
			continue
		}
		if _, err := s.db.RebuildBalance(ctx, d.AccountID); err != nil {
			return divs, fmt.Errorf("rebuild %s: %w", d.AccountID, err)
		}
		log.Warn().Str("account_id", d.AccountID).Int64("balance", d.LedgerSum).Msg("balance rebuilt from ledger")
	}
	return divs, nil
}
