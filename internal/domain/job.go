package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ─── Billable Jobs ──────────────────────────────────────────────────────────
// A billable job is paid work with a delayed outcome. The cost is debited in
// the same transaction that creates the job; the job then moves exactly once
// from pending to a terminal state.

// JobStatus is the lifecycle state of a billable job.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobNotRequested JobStatus = "not_requested" // derived: transcript without a summary job
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// BillableJob represents an AI summary request.
type BillableJob struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	InputRef    string     `json:"input_ref"` // transcript id
	Status      JobStatus  `json:"status"`
	CostCharged int64      `json:"cost_charged"`
	Prompt      string     `json:"prompt,omitempty"`
	Result      *string    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	Refunded    bool       `json:"refunded"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StatusInfo is the human-readable status shown to polling clients.
type StatusInfo struct {
	Message                string `json:"message"`
	EstimatedTimeRemaining string `json:"estimatedTimeRemaining,omitempty"`
	CanRetry               bool   `json:"canRetry,omitempty"`
}

// Info returns the polling message for a job status.
func (s JobStatus) Info() StatusInfo {
	switch s {
	case JobPending:
		return StatusInfo{Message: "AI summary is being generated...", EstimatedTimeRemaining: "30-60 seconds"}
	case JobCompleted:
		return StatusInfo{Message: "AI summary completed successfully"}
	case JobFailed:
		return StatusInfo{Message: "AI summary generation failed", CanRetry: true}
	default:
		return StatusInfo{Message: "No AI summary requested for this meeting"}
	}
}

// NewJobID returns a lexically sortable job identifier.
func NewJobID() string {
	return "job_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}
