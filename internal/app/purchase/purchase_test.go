package purchase

import (
	"context"
	"errors"
	"testing"

	"github.com/tutu-network/scribe/internal/app/settlement"
	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

type fakeProcessor struct {
	intentID string
	err      error
	got      domain.IntentRequest
}

func (f *fakeProcessor) CreateIntent(ctx context.Context, req domain.IntentRequest) (string, string, error) {
	f.got = req
	if f.err != nil {
		return "", "", f.err
	}
	return f.intentID, f.intentID + "_secret", nil
}

func setup(t *testing.T, proc domain.PaymentProcessor) (*Service, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if _, _, err := db.EnsureAccount(ctx, "acct", "", 0); err != nil {
		t.Fatal(err)
	}
	if err := db.SyncProducts(ctx, []domain.Product{{ID: "pack_100", Name: "100 credits", PriceCents: 999, Credits: 100}}); err != nil {
		t.Fatal(err)
	}
	return New(db, proc, "USD"), db
}

func TestCreateIntent(t *testing.T) {
	proc := &fakeProcessor{intentID: "pi_123"}
	svc, db := setup(t, proc)
	ctx := context.Background()

	intent, err := svc.CreateIntent(ctx, "acct", "pack_100")
	if err != nil {
		t.Fatalf("CreateIntent() error: %v", err)
	}
	if intent.IntentID != "pi_123" || intent.ClientHandle != "pi_123_secret" {
		t.Errorf("intent = %+v", intent)
	}
	if proc.got.AmountCents != 999 || proc.got.Currency != "usd" || proc.got.Credits != 100 {
		t.Errorf("processor request = %+v", proc.got)
	}

	rec, err := db.GetIntent(ctx, "pi_123")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != domain.IntentPending || rec.CreditsGranted != 100 {
		t.Errorf("record = %+v", rec)
	}

	// Creating an intent never touches the ledger.
	bal, _ := db.Balance(ctx, "acct")
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}

func TestCreateIntent_Errors(t *testing.T) {
	ctx := context.Background()

	svc, _ := setup(t, &fakeProcessor{intentID: "pi_1"})
	if _, err := svc.CreateIntent(ctx, "acct", ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty product error = %v", err)
	}
	if _, err := svc.CreateIntent(ctx, "acct", "pack_missing"); !errors.Is(err, domain.ErrProductNotFound) {
		t.Errorf("unknown product error = %v", err)
	}

	unconfigured, _ := setup(t, nil)
	if _, err := unconfigured.CreateIntent(ctx, "acct", "pack_100"); !errors.Is(err, domain.ErrNotConfigured) {
		t.Errorf("nil processor error = %v", err)
	}

	failing, db := setup(t, &fakeProcessor{err: domain.ErrTransient})
	if _, err := failing.CreateIntent(ctx, "acct", "pack_100"); !errors.Is(err, domain.ErrTransient) {
		t.Errorf("processor error = %v", err)
	}
	if list, _ := db.ListIntents(ctx, "acct", 10); len(list) != 0 {
		t.Errorf("intents = %d, want 0 after processor failure", len(list))
	}
}

func TestPurchaseThenSettle(t *testing.T) {
	svc, db := setup(t, &fakeProcessor{intentID: "pi_full"})
	ctx := context.Background()

	if _, err := svc.CreateIntent(ctx, "acct", "pack_100"); err != nil {
		t.Fatal(err)
	}
	r := settlement.NewReconciler(db)
	res, err := r.Reconcile(ctx, domain.Notification{IntentID: "pi_full", Outcome: domain.OutcomeSucceeded, AccountID: "acct"})
	if err != nil || res != domain.SettlementApplied {
		t.Fatalf("Reconcile() = %q, %v", res, err)
	}
	bal, _ := db.Balance(ctx, "acct")
	if bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
}

func TestProducts(t *testing.T) {
	svc, _ := setup(t, nil)
	list, err := svc.Products(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "pack_100" {
		t.Errorf("products = %+v", list)
	}
}
