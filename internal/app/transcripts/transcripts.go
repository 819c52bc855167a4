// Package transcripts stores meeting transcripts and requests AI summaries,
// paying for both through the spend coordinator.
package transcripts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/app/spend"
	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Response statuses.
const (
	StatusProcessing      = "processing"
	StatusTranscriptSaved = "transcript_saved"
)

// Dispatcher hands a committed job to the background worker.
type Dispatcher interface {
	Dispatch(jobID string) bool
}

// Input is a transcript to store.
type Input struct {
	Title           string `json:"title"`
	Text            string `json:"transcript_text"`
	JSON            string `json:"transcript_json"`
	Metadata        string `json:"meeting_metadata"`
	DurationMinutes int64  `json:"meeting_duration_minutes"`
	Summarize       bool   `json:"should_summarize"`
	CustomPrompt    string `json:"custom_prompt"`
}

// Breakdown itemizes the cost of a store request.
type Breakdown struct {
	TranscriptCredits int64 `json:"transcriptCredits"`
	SummaryCredits    int64 `json:"summaryCredits"`
	DurationMinutes   int64 `json:"durationMinutes"`
	TotalCost         int64 `json:"totalCost"`
}

// StoreResult describes a stored transcript.
type StoreResult struct {
	TranscriptID     string    `json:"transcriptId"`
	JobID            string    `json:"jobId,omitempty"`
	CreditsDeducted  int64     `json:"creditsDeducted"`
	RemainingCredits int64     `json:"remainingCredits"`
	SummaryRequested bool      `json:"summaryRequested"`
	Status           string    `json:"status"`
	Message          string    `json:"message"`
	Breakdown        Breakdown `json:"costBreakdown"`
}

// SummaryResult describes an accepted summary request.
type SummaryResult struct {
	JobID            string `json:"jobId"`
	TranscriptID     string `json:"transcriptId"`
	Status           string `json:"status"`
	EstimatedTime    string `json:"estimatedTime"`
	CreditsDeducted  int64  `json:"creditsDeducted"`
	RemainingCredits int64  `json:"remainingCredits"`
}

// View is a transcript with its latest summary state.
type View struct {
	domain.Transcript
	JobID         string            `json:"jobId,omitempty"`
	Summary       *string           `json:"summary_text"`
	SummaryStatus domain.JobStatus  `json:"summary_status"`
	StatusInfo    domain.StatusInfo `json:"statusInfo"`
}

// Service implements transcript storage and summary requests.
type Service struct {
	db       *sqlite.DB
	spender  *spend.Coordinator
	pricing  spend.Pricing
	dispatch Dispatcher
	now      func() time.Time
}

// New creates a transcript service. dispatch may be nil, in which case jobs
// wait for the worker's sweep.
func New(db *sqlite.DB, spender *spend.Coordinator, pricing spend.Pricing, dispatch Dispatcher) *Service {
	return &Service{db: db, spender: spender, pricing: pricing, dispatch: dispatch, now: time.Now}
}

// Quote returns the cost breakdown of a store request.
func (s *Service) Quote(durationMinutes int64, summarize bool) Breakdown {
	b := Breakdown{
		TranscriptCredits: s.pricing.StorageCost(durationMinutes),
		DurationMinutes:   durationMinutes,
	}
	if summarize {
		b.SummaryCredits = s.pricing.SummaryCost()
	}
	b.TotalCost = b.TranscriptCredits + b.SummaryCredits
	return b
}

// Store saves a transcript, charging storage and, if requested, a summary in
// one spend. The summary job is dispatched only after the spend commits.
func (s *Service) Store(ctx context.Context, accountID string, in Input) (*StoreResult, error) {
	if strings.TrimSpace(in.Text) == "" || strings.TrimSpace(in.JSON) == "" {
		return nil, &domain.ValidationError{Field: "transcript", Message: "transcript data is required"}
	}
	if in.DurationMinutes < 0 {
		return nil, &domain.ValidationError{Field: "meeting_duration_minutes", Message: "must be >= 0"}
	}

	b := s.Quote(in.DurationMinutes, in.Summarize)
	tr := &domain.Transcript{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Title:           in.Title,
		Text:            in.Text,
		JSON:            in.JSON,
		Metadata:        in.Metadata,
		DurationMinutes: in.DurationMinutes,
		CreditsCharged:  b.TotalCost,
	}
	if tr.Title == "" {
		tr.Title = "Meeting on " + s.now().Format("2006-01-02")
	}

	charges := []domain.Charge{{
		Cost:   b.TranscriptCredits,
		Kind:   domain.KindTranscriptStorage,
		Reason: fmt.Sprintf("Transcript storage (%d minutes): %s", in.DurationMinutes, tr.Title),
		Ref:    tr.ID,
	}}

	var job *domain.BillableJob
	if in.Summarize {
		job = &domain.BillableJob{
			ID:          domain.NewJobID(),
			AccountID:   accountID,
			InputRef:    tr.ID,
			CostCharged: b.SummaryCredits,
			Prompt:      in.CustomPrompt,
		}
		charges = append(charges, domain.Charge{
			Cost:   b.SummaryCredits,
			Kind:   domain.KindAISummary,
			Reason: "AI summary generation for meeting: " + tr.Title,
			Ref:    job.ID,
		})
	}

	receipt, err := s.spender.Spend(ctx, spend.Request{
		AccountID: accountID,
		Charges:   charges,
		Action: func(tx *sqlite.Tx) error {
			if err := tx.InsertTranscript(tr); err != nil {
				return err
			}
			if job != nil {
				return tx.InsertJob(job)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	res := &StoreResult{
		TranscriptID:     tr.ID,
		CreditsDeducted:  receipt.Charged,
		RemainingCredits: receipt.NewBalance,
		SummaryRequested: in.Summarize,
		Status:           StatusTranscriptSaved,
		Message: fmt.Sprintf("Transcript saved successfully! Used %d credits for %d minutes of recording.",
			b.TranscriptCredits, in.DurationMinutes),
		Breakdown: b,
	}
	if job != nil {
		res.JobID = job.ID
		res.Status = StatusProcessing
		res.Message = fmt.Sprintf("Transcript saved (%d credits) and AI summary is being generated (+%d credit)",
			b.TranscriptCredits, b.SummaryCredits)
		s.dispatchJob(job.ID)
	}

	log.Info().
		Str("account_id", accountID).
		Str("transcript_id", tr.ID).
		Int64("credits", receipt.Charged).
		Bool("summarize", in.Summarize).
		Msg("transcript stored")
	return res, nil
}

// RequestSummary charges for and queues a summary of a stored transcript.
// It fails with a ConflictError when a pending or completed summary already
// exists for the transcript.
func (s *Service) RequestSummary(ctx context.Context, accountID, transcriptID, customPrompt string) (*SummaryResult, error) {
	if transcriptID == "" {
		return nil, &domain.ValidationError{Field: "transcript_id", Message: "required"}
	}
	tr, err := s.ownedTranscript(ctx, accountID, transcriptID)
	if err != nil {
		return nil, err
	}

	cost := s.pricing.SummaryCost()
	job := &domain.BillableJob{
		ID:          domain.NewJobID(),
		AccountID:   accountID,
		InputRef:    tr.ID,
		CostCharged: cost,
		Prompt:      customPrompt,
	}
	title := tr.Title
	if title == "" {
		title = "Untitled"
	}

	receipt, err := s.spender.Spend(ctx, spend.Request{
		AccountID: accountID,
		Charges: []domain.Charge{{
			Cost:   cost,
			Kind:   domain.KindAISummary,
			Reason: fmt.Sprintf("AI summary generation for meeting %q", title),
			Ref:    job.ID,
		}},
		Action: func(tx *sqlite.Tx) error {
			existing, err := tx.OpenJobForInput(tr.ID)
			if err == nil {
				msg := "AI summary is already being generated for this transcript"
				if existing.Status == domain.JobCompleted {
					msg = "AI summary already exists for this transcript"
				}
				return &domain.ConflictError{Resource: "summary", ID: existing.ID, Message: msg}
			}
			if !errors.Is(err, domain.ErrJobNotFound) {
				return err
			}
			return tx.InsertJob(job)
		},
	})
	if err != nil {
		return nil, err
	}

	s.dispatchJob(job.ID)
	log.Info().Str("account_id", accountID).Str("transcript_id", tr.ID).Str("job_id", job.ID).Msg("summary requested")
	return &SummaryResult{
		JobID:            job.ID,
		TranscriptID:     tr.ID,
		Status:           StatusProcessing,
		EstimatedTime:    domain.JobPending.Info().EstimatedTimeRemaining,
		CreditsDeducted:  receipt.Charged,
		RemainingCredits: receipt.NewBalance,
	}, nil
}

// Get returns a transcript owned by accountID with its latest summary state.
func (s *Service) Get(ctx context.Context, accountID, transcriptID string) (*View, error) {
	tr, err := s.ownedTranscript(ctx, accountID, transcriptID)
	if err != nil {
		return nil, err
	}

	v := &View{Transcript: *tr, SummaryStatus: domain.JobNotRequested}
	job, err := s.db.LatestJobForInput(ctx, tr.ID)
	switch {
	case err == nil:
		v.JobID = job.ID
		v.SummaryStatus = job.Status
		v.Summary = job.Result
	case !errors.Is(err, domain.ErrJobNotFound):
		return nil, err
	}
	v.StatusInfo = v.SummaryStatus.Info()
	return v, nil
}

// List returns an account's transcripts, newest first.
func (s *Service) List(ctx context.Context, accountID string, page, limit int) ([]domain.Transcript, error) {
	if page < 1 {
		return nil, &domain.ValidationError{Field: "page", Message: "must be >= 1"}
	}
	if limit < 1 || limit > 100 {
		return nil, &domain.ValidationError{Field: "limit", Message: "must be between 1 and 100"}
	}
	return s.db.ListTranscripts(ctx, accountID, (page-1)*limit, limit)
}

func (s *Service) ownedTranscript(ctx context.Context, accountID, transcriptID string) (*domain.Transcript, error) {
	tr, err := s.db.GetTranscript(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if tr.AccountID != accountID {
		return nil, domain.ErrTranscriptNotFound
	}
	return tr, nil
}

func (s *Service) dispatchJob(jobID string) {
	if s.dispatch == nil {
		return
	}
	if !s.dispatch.Dispatch(jobID) {
		log.Debug().Str("job_id", jobID).Msg("job queued for worker sweep")
	}
}
