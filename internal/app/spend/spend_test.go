package spend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestCoordinator(t *testing.T, balance int64) (*Coordinator, *sqlite.DB) {
	t.Helper()
	db := newTestDB(t)
	if _, _, err := db.EnsureAccount(context.Background(), "acct", "a@example.com", balance); err != nil {
		t.Fatal(err)
	}
	return New(db), db
}

func assertInvariant(t *testing.T, db *sqlite.DB, accountID string) {
	t.Helper()
	ctx := context.Background()
	bal, err := db.Balance(ctx, accountID)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := db.SumEntries(ctx, accountID)
	if err != nil {
		t.Fatal(err)
	}
	if bal != sum {
		t.Fatalf("balance %d != ledger sum %d", bal, sum)
	}
}

// ─── Pricing ────────────────────────────────────────────────────────────────

func TestStorageCost(t *testing.T) {
	p := DefaultPricing()
	tests := []struct {
		minutes int64
		want    int64
	}{
		{0, 0},
		{-10, 0},
		{1, 1},
		{30, 1},
		{31, 2},
		{45, 2},
		{60, 2},
		{61, 3},
		{240, 8},
	}
	for _, tt := range tests {
		if got := p.StorageCost(tt.minutes); got != tt.want {
			t.Errorf("StorageCost(%d) = %d, want %d", tt.minutes, got, tt.want)
		}
	}
}

func TestSummaryCost(t *testing.T) {
	if got := DefaultPricing().SummaryCost(); got != 1 {
		t.Errorf("SummaryCost() = %d, want 1", got)
	}
	if got := (Pricing{SummaryCredits: 3}).SummaryCost(); got != 3 {
		t.Errorf("SummaryCost() = %d, want 3", got)
	}
}

// ─── Spend ──────────────────────────────────────────────────────────────────

func TestSpend_StorageScenario(t *testing.T) {
	c, db := newTestCoordinator(t, 50)
	ctx := context.Background()

	cost := DefaultPricing().StorageCost(45)
	receipt, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: cost, Kind: domain.KindTranscriptStorage, Reason: "Transcript storage"}},
	})
	if err != nil {
		t.Fatalf("Spend() error: %v", err)
	}
	if receipt.NewBalance != 48 {
		t.Errorf("NewBalance = %d, want 48", receipt.NewBalance)
	}
	if len(receipt.Entries) != 1 || receipt.Entries[0].Delta != -2 || receipt.Entries[0].Kind != domain.KindTranscriptStorage {
		t.Errorf("entries = %+v, want one -2 transcript_storage entry", receipt.Entries)
	}
	assertInvariant(t, db, "acct")
}

func TestSpend_InsufficientCredits(t *testing.T) {
	c, db := newTestCoordinator(t, 0)
	ctx := context.Background()

	actionRan := false
	_, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary}},
		Action:    func(tx *sqlite.Tx) error { actionRan = true; return nil },
	})

	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("error = %v, want InsufficientCreditsError", err)
	}
	if ice.Current != 0 || ice.Required != 1 {
		t.Errorf("error detail = %+v, want current 0 required 1", ice)
	}
	if actionRan {
		t.Error("action ran despite insufficient credits")
	}

	stats, _ := db.EntryStats(ctx, "acct")
	if stats.Count != 0 {
		t.Errorf("entries = %d, want 0", stats.Count)
	}
}

func TestSpend_ActionFailureRollsBack(t *testing.T) {
	c, db := newTestCoordinator(t, 10)
	ctx := context.Background()

	boom := errors.New("insert failed")
	_, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: 3, Kind: domain.KindAISummary}},
		Action:    func(tx *sqlite.Tx) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want action error", err)
	}

	bal, _ := db.Balance(ctx, "acct")
	if bal != 10 {
		t.Errorf("balance = %d, want 10 after rollback", bal)
	}
	assertInvariant(t, db, "acct")
}

func TestSpend_ActionSeesTransaction(t *testing.T) {
	c, db := newTestCoordinator(t, 10)
	ctx := context.Background()

	job := &domain.BillableJob{ID: domain.NewJobID(), AccountID: "acct", InputRef: "tr_1", CostCharged: 1}
	_, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary, Ref: job.ID}},
		Action:    func(tx *sqlite.Tx) error { return tx.InsertJob(job) },
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	if got.Status != domain.JobPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
}

func TestSpend_MultipleCharges(t *testing.T) {
	c, db := newTestCoordinator(t, 3)
	ctx := context.Background()

	receipt, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges: []domain.Charge{
			{Cost: 2, Kind: domain.KindTranscriptStorage},
			{Cost: 1, Kind: domain.KindAISummary},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if receipt.NewBalance != 0 || receipt.Charged != 3 || len(receipt.Entries) != 2 {
		t.Errorf("receipt = %+v", receipt)
	}

	// Total exceeds balance: neither charge applies.
	_, err = c.Spend(ctx, Request{
		AccountID: "acct",
		Charges: []domain.Charge{
			{Cost: 0, Kind: domain.KindTranscriptStorage},
			{Cost: 1, Kind: domain.KindAISummary},
		},
	})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Errorf("error = %v, want ErrInsufficientCredits", err)
	}
	assertInvariant(t, db, "acct")
}

func TestSpend_ZeroCostWritesNoEntry(t *testing.T) {
	c, db := newTestCoordinator(t, 0)
	ctx := context.Background()

	receipt, err := c.Spend(ctx, Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: 0, Kind: domain.KindTranscriptStorage}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(receipt.Entries) != 0 {
		t.Errorf("entries = %d, want 0", len(receipt.Entries))
	}
	stats, _ := db.EntryStats(ctx, "acct")
	if stats.Count != 0 {
		t.Errorf("ledger entries = %d, want 0", stats.Count)
	}
}

func TestSpend_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t, 10)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"no account", Request{Charges: []domain.Charge{{Cost: 1, Kind: domain.KindAISummary}}}},
		{"no charges", Request{AccountID: "acct"}},
		{"negative cost", Request{AccountID: "acct", Charges: []domain.Charge{{Cost: -1, Kind: domain.KindAISummary}}}},
		{"purchase kind", Request{AccountID: "acct", Charges: []domain.Charge{{Cost: 1, Kind: domain.KindPurchase}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Spend(ctx, tt.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("error = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestSpend_UnknownAccount(t *testing.T) {
	c, _ := newTestCoordinator(t, 10)
	_, err := c.Spend(context.Background(), Request{
		AccountID: "ghost",
		Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary}},
	})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestSpend_DuplicateRefConflicts(t *testing.T) {
	c, db := newTestCoordinator(t, 10)
	ctx := context.Background()

	req := Request{
		AccountID: "acct",
		Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary, Ref: "job_fixed"}},
	}
	if _, err := c.Spend(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Spend(ctx, req); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
	bal, _ := db.Balance(ctx, "acct")
	if bal != 9 {
		t.Errorf("balance = %d, want 9 (charged once)", bal)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestSpend_ConcurrentLastCredit(t *testing.T) {
	c, db := newTestCoordinator(t, 1)
	ctx := context.Background()

	var ok, insufficient atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			_, err := c.Spend(ctx, Request{
				AccountID: "acct",
				Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary}},
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ok.Load() != 1 || insufficient.Load() != 1 {
		t.Errorf("ok = %d, insufficient = %d, want 1 and 1", ok.Load(), insufficient.Load())
	}
	bal, _ := db.Balance(ctx, "acct")
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
	assertInvariant(t, db, "acct")
}

func TestSpend_NoDoubleSpend(t *testing.T) {
	const (
		balance = 10
		cost    = 3
		callers = 12
	)
	c, db := newTestCoordinator(t, balance)
	ctx := context.Background()

	var ok atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := c.Spend(ctx, Request{
				AccountID: "acct",
				Charges:   []domain.Charge{{Cost: cost, Kind: domain.KindTranscriptStorage}},
			})
			if err == nil {
				ok.Add(1)
				return nil
			}
			if errors.Is(err, domain.ErrInsufficientCredits) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ok.Load(); got != balance/cost {
		t.Errorf("successful spends = %d, want %d", got, balance/cost)
	}
	bal, _ := db.Balance(ctx, "acct")
	if bal != balance-cost*(balance/cost) {
		t.Errorf("balance = %d, want %d", bal, balance-cost*(balance/cost))
	}
	assertInvariant(t, db, "acct")
}

// ─── Adjust ─────────────────────────────────────────────────────────────────

func TestAdjust_CanGoNegative(t *testing.T) {
	c, db := newTestCoordinator(t, 5)
	ctx := context.Background()

	entry, newBalance, err := c.Adjust(ctx, "acct", -20, "chargeback")
	if err != nil {
		t.Fatalf("Adjust() error: %v", err)
	}
	if newBalance != -15 {
		t.Errorf("newBalance = %d, want -15", newBalance)
	}
	if entry.Kind != domain.KindAdminAdjustment {
		t.Errorf("Kind = %q, want admin_adjustment", entry.Kind)
	}
	assertInvariant(t, db, "acct")
}

func TestAdjust_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t, 5)
	ctx := context.Background()

	if _, _, err := c.Adjust(ctx, "acct", 0, "noop"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("zero delta error = %v", err)
	}
	if _, _, err := c.Adjust(ctx, "acct", 5, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty reason error = %v", err)
	}
	if _, _, err := c.Adjust(ctx, "ghost", 5, "gift"); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("unknown account error = %v", err)
	}
}
