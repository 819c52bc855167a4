package domain

import (
	"fmt"
	"time"
)

// ─── Credit Ledger Types ────────────────────────────────────────────────────
// The ledger is append-only. An account's balance is the sum of its entries;
// the cached balance column in storage is a read optimization that is only
// ever written together with an entry append.

// EntryKind represents the business reason for a ledger entry.
type EntryKind string

const (
	KindPurchase          EntryKind = "purchase"
	KindAISummary         EntryKind = "ai_summary"
	KindTranscriptStorage EntryKind = "transcript_storage"
	KindAdminAdjustment   EntryKind = "admin_adjustment"
	KindRefund            EntryKind = "refund"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case KindPurchase, KindAISummary, KindTranscriptStorage, KindAdminAdjustment, KindRefund:
		return true
	}
	return false
}

// Account is a user's credit account. Balance must equal the sum of all
// committed ledger entries for the account.
type Account struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is a single immutable row in the credit ledger.
// Positive Delta is a credit, negative Delta is a debit.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	Delta     int64     `json:"delta"`
	Kind      EntryKind `json:"kind"`
	Reason    string    `json:"reason"`
	Ref       string    `json:"ref,omitempty"` // billable event key (intent, job or transcript id)
	CreatedAt time.Time `json:"created_at"`
}

// Charge is one debit line of a spend. Cost is fixed before the
// transaction opens so the debited amount is auditable.
type Charge struct {
	Cost   int64
	Kind   EntryKind
	Reason string
	Ref    string
}

// Validate checks a charge before it is applied.
func (c Charge) Validate() error {
	if c.Cost < 0 {
		return &ValidationError{Field: "cost", Message: "must be a non-negative integer"}
	}
	if !c.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", c.Kind)}
	}
	if c.Kind == KindPurchase || c.Kind == KindRefund {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("%s is not a spend kind", c.Kind)}
	}
	return nil
}

// CreditStats summarizes an account's ledger for the history view.
type CreditStats struct {
	CurrentBalance    int64 `json:"currentBalance"`
	TotalCredited     int64 `json:"totalCredited"`
	TotalDebited      int64 `json:"totalDebited"`
	TotalTransactions int64 `json:"totalTransactions"`
	UsagePercentage   int   `json:"usagePercentage"`
}

// UsagePercentage returns min(100, round(debited / (balance + debited) * 100)),
// or 0 when the denominator is not positive.
func UsagePercentage(balance, debited int64) int {
	denom := balance + debited
	if denom <= 0 {
		return 0
	}
	// Integer round-half-up of debited*100/denom.
	pct := (debited*200 + denom) / (2 * denom)
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return int(pct)
}

// Pagination describes an offset-paginated result.
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}

// NewPagination computes page counts for total rows.
func NewPagination(total int64, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = int((total + int64(limit) - 1) / int64(limit))
	}
	return Pagination{Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// BalanceDivergence reports an account whose cached balance does not match
// the sum of its ledger entries.
type BalanceDivergence struct {
	AccountID string `json:"account_id"`
	Cached    int64  `json:"cached"`
	LedgerSum int64  `json:"ledger_sum"`
}
