package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/scribe/internal/app/spend"
	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// mockGenerator implements domain.Generator for testing.
type mockGenerator struct {
	mu     sync.Mutex
	result string
	err    error
	delay  time.Duration
	calls  int
}

func (m *mockGenerator) Generate(ctx context.Context, content, prompt string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return m.result, m.err
}

func (m *mockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// paidJob stores a transcript and a pending summary job for it, charging the
// summary through the spend coordinator like the request path does.
func paidJob(t *testing.T, db *sqlite.DB, accountID string) *domain.BillableJob {
	t.Helper()
	ctx := context.Background()
	tr := &domain.Transcript{ID: "tr_" + domain.NewJobID(), AccountID: accountID, Text: "hello", JSON: `{"entries":[]}`}
	job := &domain.BillableJob{ID: domain.NewJobID(), AccountID: accountID, InputRef: tr.ID, CostCharged: 1}

	_, err := spend.New(db).Spend(ctx, spend.Request{
		AccountID: accountID,
		Charges:   []domain.Charge{{Cost: 1, Kind: domain.KindAISummary, Reason: "AI summary", Ref: job.ID}},
		Action: func(tx *sqlite.Tx) error {
			if err := tx.InsertTranscript(tr); err != nil {
				return err
			}
			return tx.InsertJob(job)
		},
	})
	if err != nil {
		t.Fatalf("Spend() error: %v", err)
	}
	return job
}

func setup(t *testing.T, balance int64) (*sqlite.DB, *Tracker) {
	t.Helper()
	db := newTestDB(t)
	if _, _, err := db.EnsureAccount(context.Background(), "acct", "", balance); err != nil {
		t.Fatal(err)
	}
	return db, NewTracker(db)
}

func waitForStatus(t *testing.T, db *sqlite.DB, jobID string, want domain.JobStatus) *domain.BillableJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := db.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s", jobID, want)
	return nil
}

// ─── Tracker ────────────────────────────────────────────────────────────────

func TestTracker_CompleteIsIdempotent(t *testing.T) {
	db, tr := setup(t, 5)
	ctx := context.Background()
	job := paidJob(t, db, "acct")

	applied, err := tr.Complete(ctx, job.ID, "summary")
	if err != nil || !applied {
		t.Fatalf("Complete() = %v, %v", applied, err)
	}
	applied, err = tr.Complete(ctx, job.ID, "other summary")
	if err != nil {
		t.Fatalf("second Complete() error: %v", err)
	}
	if applied {
		t.Error("second Complete() applied")
	}
	applied, _ = tr.Fail(ctx, job.ID, "late")
	if applied {
		t.Error("Fail() after Complete() applied")
	}

	got, _ := db.GetJob(ctx, job.ID)
	if got.Status != domain.JobCompleted || *got.Result != "summary" {
		t.Errorf("job = %+v, want first result kept", got)
	}
}

func TestTracker_UnknownJob(t *testing.T) {
	_, tr := setup(t, 5)
	if _, err := tr.Complete(context.Background(), "job_missing", "x"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestTracker_GetEnforcesOwnership(t *testing.T) {
	db, tr := setup(t, 5)
	ctx := context.Background()
	job := paidJob(t, db, "acct")

	if _, err := tr.Get(ctx, "acct", job.ID); err != nil {
		t.Fatalf("Get() owner error: %v", err)
	}
	if _, err := tr.Get(ctx, "intruder", job.ID); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() other account error = %v, want ErrJobNotFound", err)
	}
}

func TestTracker_Refund(t *testing.T) {
	db, tr := setup(t, 5)
	ctx := context.Background()
	job := paidJob(t, db, "acct")

	if _, err := tr.Refund(ctx, job.ID, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("refund of pending job error = %v, want ErrConflict", err)
	}

	tr.Fail(ctx, job.ID, "rate limited")
	entry, err := tr.Refund(ctx, job.ID, "")
	if err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if entry.Delta != 1 || entry.Kind != domain.KindRefund || entry.Ref != job.ID {
		t.Errorf("entry = %+v", entry)
	}

	if _, err := tr.Refund(ctx, job.ID, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second refund error = %v, want ErrConflict", err)
	}

	bal, _ := db.Balance(ctx, "acct")
	if bal != 5 {
		t.Errorf("balance = %d, want 5 after one refund", bal)
	}
	got, _ := db.GetJob(ctx, job.ID)
	if !got.Refunded || got.Status != domain.JobFailed {
		t.Errorf("job = %+v, want failed and refunded", got)
	}
}

func TestTracker_RefundCompletedJob(t *testing.T) {
	db, tr := setup(t, 5)
	ctx := context.Background()
	job := paidJob(t, db, "acct")
	tr.Complete(ctx, job.ID, "ok")

	if _, err := tr.Refund(ctx, job.ID, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

// ─── Worker ─────────────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v, want 2m", cfg.Timeout)
	}
	if cfg.Lease != 4*time.Minute {
		t.Errorf("Lease = %v, want 4m", cfg.Lease)
	}
}

func TestNewWorker_RaisesShortLease(t *testing.T) {
	db, tr := setup(t, 5)
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.Lease = 200 * time.Millisecond
	w := NewWorker(cfg, db, tr, &mockGenerator{})
	t.Cleanup(w.Stop)
	if w.config.Lease != 2*time.Second {
		t.Errorf("Lease = %v, want 2s", w.config.Lease)
	}
}

func newTestWorker(t *testing.T, db *sqlite.DB, tr *Tracker, gen domain.Generator) *Worker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 2
	cfg.Timeout = 2 * time.Second
	cfg.RatePerMinute = 0
	w := NewWorker(cfg, db, tr, gen)
	t.Cleanup(w.Stop)
	return w
}

func TestWorker_CompletesJob(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "## Summary\nShipped."}
	w := newTestWorker(t, db, tr, gen)
	job := paidJob(t, db, "acct")

	if !w.Dispatch(job.ID) {
		t.Fatal("Dispatch() = false")
	}
	got := waitForStatus(t, db, job.ID, domain.JobCompleted)
	if got.Result == nil || *got.Result != gen.result {
		t.Errorf("Result = %v, want %q", got.Result, gen.result)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestWorker_TransientFailureKeepsDebit(t *testing.T) {
	db, tr := setup(t, 5)
	ctx := context.Background()
	gen := &mockGenerator{err: domain.ErrRateLimited}
	w := newTestWorker(t, db, tr, gen)
	job := paidJob(t, db, "acct")

	w.Dispatch(job.ID)
	got := waitForStatus(t, db, job.ID, domain.JobFailed)
	if got.Error == "" {
		t.Error("failed job has no error info")
	}

	// No retry, no refund.
	time.Sleep(50 * time.Millisecond)
	if gen.Calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.Calls())
	}
	bal, _ := db.Balance(ctx, "acct")
	if bal != 4 {
		t.Errorf("balance = %d, want 4 (debit kept)", bal)
	}
	sum, _ := db.SumEntries(ctx, "acct")
	if sum != bal {
		t.Errorf("balance %d != ledger sum %d", bal, sum)
	}

	waitStats(t, w, func(s Stats) bool { return s.Failed == 1 })
}

func TestWorker_TimeoutFailsJob(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "late", delay: time.Second}
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.RatePerMinute = 0
	w := NewWorker(cfg, db, tr, gen)
	t.Cleanup(w.Stop)
	job := paidJob(t, db, "acct")

	w.Dispatch(job.ID)
	got := waitForStatus(t, db, job.ID, domain.JobFailed)
	if got.Error != "generation timed out" {
		t.Errorf("Error = %q, want generation timed out", got.Error)
	}
}

func TestWorker_DispatchAtCapacity(t *testing.T) {
	db, tr := setup(t, 10)
	gen := &mockGenerator{result: "ok", delay: 300 * time.Millisecond}
	w := newTestWorker(t, db, tr, gen)

	j1, j2, j3 := paidJob(t, db, "acct"), paidJob(t, db, "acct"), paidJob(t, db, "acct")
	if !w.Dispatch(j1.ID) || !w.Dispatch(j2.ID) {
		t.Fatal("first two dispatches should succeed")
	}
	if w.Dispatch(j3.ID) {
		t.Error("third dispatch should be refused at capacity")
	}

	// The refused job is still pending and is picked up by a later sweep.
	waitForStatus(t, db, j1.ID, domain.JobCompleted)
	waitForStatus(t, db, j2.ID, domain.JobCompleted)
	waitIdle(t, w)
	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep() dispatched %d, want 1", n)
	}
	waitForStatus(t, db, j3.ID, domain.JobCompleted)
}

func TestWorker_SweepRecoversPendingJobs(t *testing.T) {
	db, tr := setup(t, 5)
	job := paidJob(t, db, "acct")

	// Simulates a restart: the job was committed but never dispatched.
	gen := &mockGenerator{result: "recovered"}
	w := newTestWorker(t, db, tr, gen)
	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Sweep() dispatched %d, want 1", n)
	}
	waitForStatus(t, db, job.ID, domain.JobCompleted)
}

func TestWorker_DoubleDispatchRunsOnce(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "ok", delay: 50 * time.Millisecond}
	w := newTestWorker(t, db, tr, gen)
	job := paidJob(t, db, "acct")

	w.Dispatch(job.ID)
	w.Dispatch(job.ID)
	waitForStatus(t, db, job.ID, domain.JobCompleted)
	time.Sleep(100 * time.Millisecond)
	if gen.Calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.Calls())
	}
}

func TestWorker_SlowRunIsNotReclaimed(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "slow", delay: 400 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Timeout = time.Second
	cfg.Lease = 200 * time.Millisecond
	cfg.RatePerMinute = 0
	w := NewWorker(cfg, db, tr, gen)
	t.Cleanup(w.Stop)
	job := paidJob(t, db, "acct")

	if !w.Dispatch(job.ID) {
		t.Fatal("Dispatch() = false")
	}
	time.Sleep(300 * time.Millisecond)
	n, err := w.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Sweep() dispatched %d while the job was running, want 0", n)
	}

	got := waitForStatus(t, db, job.ID, domain.JobCompleted)
	waitIdle(t, w)
	if gen.Calls() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.Calls())
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}
}

func TestWorker_LosingRunIsNotCounted(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "late", delay: 100 * time.Millisecond}
	w := newTestWorker(t, db, tr, gen)
	job := paidJob(t, db, "acct")

	w.Dispatch(job.ID)
	waitStats(t, w, func(s Stats) bool { return s.Active == 1 })
	if applied, err := tr.Fail(context.Background(), job.ID, "operator cancelled"); err != nil || !applied {
		t.Fatalf("Fail() = %v, %v", applied, err)
	}
	waitIdle(t, w)

	if s := w.Stats(); s.Completed != 0 || s.Failed != 0 {
		t.Errorf("stats = %+v, want nothing counted for a discarded result", s)
	}
	got, _ := db.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobFailed || got.Error != "operator cancelled" {
		t.Errorf("job = %s %q, want the first outcome kept", got.Status, got.Error)
	}
}

func TestWorker_StopLeavesJobPending(t *testing.T) {
	db, tr := setup(t, 5)
	gen := &mockGenerator{result: "never", delay: 5 * time.Second}
	cfg := DefaultConfig()
	cfg.RatePerMinute = 0
	w := NewWorker(cfg, db, tr, gen)
	job := paidJob(t, db, "acct")

	w.Dispatch(job.ID)
	waitStats(t, w, func(s Stats) bool { return s.Active == 1 })
	w.Stop()

	got, _ := db.GetJob(context.Background(), job.ID)
	if got.Status != domain.JobPending {
		t.Errorf("Status = %q, want pending after shutdown", got.Status)
	}
	if w.Dispatch(job.ID) {
		t.Error("Dispatch() after Stop() = true")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	db, tr := setup(t, 5)
	w := newTestWorker(t, db, tr, &mockGenerator{result: "ok"})
	job := paidJob(t, db, "acct")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// The startup sweep picks up the pending job.
	waitForStatus(t, db, job.ID, domain.JobCompleted)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func waitStats(t *testing.T, w *Worker, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond(w.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not met: %+v", w.Stats())
}

func waitIdle(t *testing.T, w *Worker) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(w.sem) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker slots not released")
}

func TestWorker_DrainWaitsForJobs(t *testing.T) {
	db, tr := setup(t, 5)
	job := paidJob(t, db, "acct")
	w := newTestWorker(t, db, tr, &mockGenerator{result: "done", delay: 50 * time.Millisecond})

	if n, err := w.Sweep(context.Background()); err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1, nil", n, err)
	}
	w.Drain()

	got, err := db.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobCompleted {
		t.Errorf("Status = %q after Drain, want completed", got.Status)
	}
	if w.Dispatch(job.ID) {
		t.Error("Dispatch() after Drain should be refused")
	}
}
