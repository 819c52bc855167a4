package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Config controls worker behavior.
type Config struct {
	MaxConcurrent int           // Maximum concurrent jobs (default: 4)
	Timeout       time.Duration // Per-job deadline from claim to outcome (default: 2m)
	Lease         time.Duration // How long a claim blocks other workers, at least LeaseFactor*Timeout (default: 4m)
	SweepInterval time.Duration // How often pending jobs are re-scanned (default: 30s)
	RatePerMinute int           // Generator calls per minute, 0 = unlimited (default: 60)
}

// LeaseFactor is the minimum ratio of lease to timeout. A claim must outlive
// the run that holds it, including the write of its outcome, or a sweep
// would start a second generation of the same job.
const LeaseFactor = 2

// DefaultConfig returns safe worker defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		Timeout:       2 * time.Minute,
		Lease:         4 * time.Minute,
		SweepInterval: 30 * time.Second,
		RatePerMinute: 60,
	}
}

// Worker executes pending jobs in the background.
//
// The request path hands jobs over with Dispatch and never waits. Jobs that
// could not be dispatched (worker busy, process restarted mid-job) stay
// pending in the store and are picked up by the periodic sweep once their
// lease is free.
type Worker struct {
	mu        sync.RWMutex
	config    Config
	db        *sqlite.DB
	tracker   *Tracker
	gen       domain.Generator
	limiter   *rate.Limiter
	sem       chan struct{} // Concurrency semaphore
	active    int
	completed int64
	failed    int64
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a job worker.
func NewWorker(cfg Config, db *sqlite.DB, tracker *Tracker, gen domain.Generator) *Worker {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if minLease := LeaseFactor * cfg.Timeout; cfg.Lease < minLease {
		if cfg.Lease > 0 {
			log.Warn().Dur("lease", cfg.Lease).Dur("timeout", cfg.Timeout).Dur("using", minLease).Msg("job lease too short for timeout, raising it")
		}
		cfg.Lease = minLease
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:  cfg,
		db:      db,
		tracker: tracker,
		gen:     gen,
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Dispatch starts a job in the background if a slot is free. It returns
// immediately; false means the job was left for the next sweep.
func (w *Worker) Dispatch(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}

	select {
	case w.sem <- struct{}{}:
	default:
		log.Debug().Str("job_id", jobID).Int("max", w.config.MaxConcurrent).Msg("worker at capacity, job left for sweep")
		return false
	}

	w.wg.Add(1)
	go w.execute(jobID)
	return true
}

// Run sweeps for claimable jobs until ctx is cancelled, then stops accepting
// work and waits for in-flight jobs. Jobs interrupted by shutdown stay
// pending and are reclaimed after their lease expires.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Int("workers", w.config.MaxConcurrent).
		Dur("sweep_interval", w.config.SweepInterval).
		Msg("job worker started")

	w.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			log.Info().Msg("job worker stopped")
			return nil
		case <-ticker.C:
			w.sweepAndLog(ctx)
		}
	}
}

// Stop cancels in-flight jobs and waits for their goroutines to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
}

// Drain stops accepting work and waits for in-flight jobs to finish without
// interrupting them.
func (w *Worker) Drain() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) sweepAndLog(ctx context.Context) {
	n, err := w.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("job sweep failed")
		}
		return
	}
	if n > 0 {
		log.Info().Int("dispatched", n).Msg("job sweep dispatched pending jobs")
	}
}

// Sweep dispatches pending jobs whose lease is free or expired, up to the
// number of free slots. It returns how many were dispatched.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	free := cap(w.sem) - len(w.sem)
	if free <= 0 {
		return 0, nil
	}
	ids, err := w.db.ClaimableJobs(ctx, w.config.Lease, free)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if w.Dispatch(id) {
			n++
		}
	}
	return n, nil
}

// execute runs one job: claim, generate, record the outcome. No ledger
// transaction is open while the generator runs. Everything after the claim
// shares one Timeout deadline, so the run ends well inside its lease.
func (w *Worker) execute(jobID string) {
	defer w.wg.Done()
	defer func() { <-w.sem }()

	job, claimed, err := w.db.ClaimJob(w.ctx, jobID, w.config.Lease)
	if err != nil {
		if w.ctx.Err() == nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("claim job failed")
		}
		return
	}
	if !claimed {
		return
	}

	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	observability.JobsActive.Inc()
	start := time.Now()

	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
		observability.JobsActive.Dec()
		observability.JobDuration.Observe(time.Since(start).Seconds())
	}()

	log.Info().Str("job_id", jobID).Int("attempt", job.Attempts).Msg("executing job")

	execCtx, cancel := context.WithTimeout(w.ctx, w.config.Timeout)
	defer cancel()

	content, err := w.loadContent(execCtx, job)
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.fail(jobID, err)
		return
	}

	if err := w.limiter.Wait(execCtx); err != nil {
		if w.ctx.Err() != nil {
			log.Info().Str("job_id", jobID).Msg("job interrupted by shutdown, left pending")
			return
		}
		w.fail(jobID, fmt.Errorf("rate limit wait: %w", context.DeadlineExceeded))
		return
	}

	result, err := w.gen.Generate(execCtx, content, job.Prompt)
	if err != nil {
		if w.ctx.Err() != nil {
			log.Info().Str("job_id", jobID).Msg("job interrupted by shutdown, left pending")
			return
		}
		w.fail(jobID, err)
		return
	}

	// Outcomes are recorded with a fresh context so shutdown cannot lose a
	// finished result.
	applied, err := w.tracker.Complete(context.Background(), jobID, result)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("record job completion failed")
		return
	}
	if !applied {
		log.Warn().Str("job_id", jobID).Msg("job already finished, result discarded")
		return
	}
	w.mu.Lock()
	w.completed++
	w.mu.Unlock()
	log.Info().Str("job_id", jobID).Dur("took", time.Since(start)).Msg("job completed")
}

func (w *Worker) loadContent(ctx context.Context, job *domain.BillableJob) (string, error) {
	tr, err := w.db.GetTranscript(ctx, job.InputRef)
	if err != nil {
		return "", err
	}
	if tr.JSON != "" {
		return tr.JSON, nil
	}
	return tr.Text, nil
}

// fail marks a job as failed. There is no retry: a generator error is final.
func (w *Worker) fail(jobID string, cause error) {
	msg := cause.Error()
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "generation timed out"
	}
	applied, err := w.tracker.Fail(context.Background(), jobID, msg)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("record job failure failed")
		return
	}
	if !applied {
		log.Warn().Str("job_id", jobID).Msg("job already finished, failure discarded")
		return
	}
	log.Warn().Str("job_id", jobID).Str("error", msg).Msg("job failed")

	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
}

// Stats returns worker statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current worker statistics.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		Active:    w.active,
		Completed: w.completed,
		Failed:    w.failed,
		MaxSlots:  w.config.MaxConcurrent,
		FreeSlots: w.config.MaxConcurrent - w.active,
	}
}

// ActiveCount returns the number of currently executing jobs.
func (w *Worker) ActiveCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}
