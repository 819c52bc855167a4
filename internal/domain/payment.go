package domain

import "time"

// ─── Purchases & Settlement ─────────────────────────────────────────────────
// Purchase initiation and settlement are independent state machines joined
// only by the processor's intent id. No ordering between the two is assumed.

// IntentStatus is the settlement state of a payment intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentSucceeded IntentStatus = "succeeded"
	IntentFailed    IntentStatus = "failed"
)

// Terminal reports whether the intent has been settled.
func (s IntentStatus) Terminal() bool {
	return s == IntentSucceeded || s == IntentFailed
}

// PaymentIntentRecord tracks an outstanding external purchase.
type PaymentIntentRecord struct {
	IntentID       string       `json:"intent_id"`
	AccountID      string       `json:"account_id"`
	ProductID      string       `json:"product_id"`
	AmountCents    int64        `json:"amount_cents"`
	Currency       string       `json:"currency"`
	CreditsGranted int64        `json:"credits_granted"`
	Status         IntentStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	SettledAt      *time.Time   `json:"settled_at,omitempty"`
}

// Product is a purchasable credit pack.
type Product struct {
	ID         string `json:"id" toml:"id"`
	Name       string `json:"name" toml:"name"`
	PriceCents int64  `json:"price_cents" toml:"price_cents"`
	Credits    int64  `json:"credits" toml:"credits"`
}

// PaymentOutcome is the result reported by the payment processor.
type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
)

// Notification is a settlement event from the payment processor.
// Delivery is at-least-once and unordered across intents.
type Notification struct {
	IntentID  string         `json:"intent_id"`
	Outcome   PaymentOutcome `json:"outcome"`
	Amount    int64          `json:"amount"`
	AccountID string         `json:"account_id"`
}

// SettlementResult is the outcome of applying a notification.
type SettlementResult string

const (
	SettlementApplied        SettlementResult = "applied"
	SettlementAlreadyApplied SettlementResult = "already_applied"
	SettlementNotFound       SettlementResult = "not_found"
)

// WebhookEvent is a durably recorded processor notification awaiting or
// having completed reconciliation.
type WebhookEvent struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	IntentID    string     `json:"intent_id"`
	Payload     []byte     `json:"-"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
}
