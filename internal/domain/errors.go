package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure - no infrastructure dependency.

var (
	// Lookup errors
	ErrNotFound           = errors.New("not found")
	ErrAccountNotFound    = fmt.Errorf("account %w", ErrNotFound)
	ErrJobNotFound        = fmt.Errorf("job %w", ErrNotFound)
	ErrIntentNotFound     = fmt.Errorf("payment intent %w", ErrNotFound)
	ErrTranscriptNotFound = fmt.Errorf("transcript %w", ErrNotFound)
	ErrProductNotFound    = fmt.Errorf("product %w", ErrNotFound)

	// Request errors
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConflict            = errors.New("conflict")

	// Dependency errors (AI service, payment processor)
	ErrTransient     = errors.New("dependency unavailable")
	ErrRateLimited   = fmt.Errorf("rate limited: %w", ErrTransient)
	ErrContentFilter = errors.New("content filtered by provider")
	ErrNotConfigured = errors.New("dependency not configured")

	// Settlement errors
	ErrAccountMismatch = errors.New("notification account does not match payment intent")
)

// InsufficientCreditsError carries the balance detail a client needs to
// decide whether to top up or abandon.
type InsufficientCreditsError struct {
	Current  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Current, e.Required)
}

// Shortfall returns how many credits are missing.
func (e *InsufficientCreditsError) Shortfall() int64 { return e.Required - e.Current }

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// ConflictError reports that a resource already exists in a state that
// forbids the operation (e.g. a summary already pending for a transcript).
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Message)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// IsNotFound reports whether err is any not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether err came from an unreachable dependency.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
