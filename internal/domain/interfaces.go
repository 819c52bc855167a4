package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Generator abstracts the AI completion service. Any error is a job failure;
// callers do not retry.
type Generator interface {
	Generate(ctx context.Context, content, prompt string) (string, error)
}

// PaymentProcessor abstracts the external payment provider.
type PaymentProcessor interface {
	// CreateIntent registers a purchase with the processor and returns its
	// intent id and the opaque handle the client needs to complete payment.
	CreateIntent(ctx context.Context, req IntentRequest) (intentID, clientHandle string, err error)
}

// IntentRequest describes a purchase to register with the processor.
type IntentRequest struct {
	AccountID   string
	ProductID   string
	AmountCents int64
	Currency    string
	Credits     int64
}
