// Package payments adapts Stripe payment intents and webhooks to the
// purchase and settlement services.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tutu-network/scribe/internal/domain"
)

// Stripe payment intent event types. Only succeeded and canceled are
// terminal; payment_failed reports one failed attempt and the customer may
// retry on the same intent.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// Metadata keys attached to every intent.
const (
	metaAccountID = "account_id"
	metaProductID = "product_id"
	metaCredits   = "credits"
)

// ErrBadSignature is returned when a webhook payload fails verification.
var ErrBadSignature = errors.New("invalid webhook signature")

// Processor implements domain.PaymentProcessor on Stripe payment intents.
type Processor struct {
	createIntent func(params *stripelib.PaymentIntentParams) (*stripelib.PaymentIntent, error)
}

// NewProcessor configures the Stripe API key and returns a processor. It
// returns nil when no key is configured.
func NewProcessor(apiKey string) *Processor {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil
	}
	stripelib.Key = apiKey
	return &Processor{createIntent: paymentintent.New}
}

// CreateIntent registers a payment intent and returns its id and client
// secret.
func (p *Processor) CreateIntent(ctx context.Context, req domain.IntentRequest) (string, string, error) {
	params := &stripelib.PaymentIntentParams{
		Amount:   stripelib.Int64(req.AmountCents),
		Currency: stripelib.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripelib.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripelib.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata(metaAccountID, req.AccountID)
	params.AddMetadata(metaProductID, req.ProductID)
	params.AddMetadata(metaCredits, strconv.FormatInt(req.Credits, 10))

	pi, err := p.createIntent(params)
	if err != nil {
		return "", "", classify(err)
	}
	if pi == nil || pi.ID == "" {
		return "", "", fmt.Errorf("stripe: empty payment intent")
	}
	log.Info().
		Str("intent_id", pi.ID).
		Str("account_id", req.AccountID).
		Int64("amount_cents", req.AmountCents).
		Msg("payment intent created")
	return pi.ID, pi.ClientSecret, nil
}

func classify(err error) error {
	var se *stripelib.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("stripe: %s: %w", se.Msg, domain.ErrRateLimited)
		}
		if se.HTTPStatusCode >= 500 {
			return fmt.Errorf("stripe: %s: %w", se.Msg, domain.ErrTransient)
		}
		return fmt.Errorf("stripe: %s", se.Msg)
	}
	return fmt.Errorf("stripe: %v: %w", err, domain.ErrTransient)
}

// ParseWebhook verifies a signed payload and returns the inbox event and,
// for settlement event types, the notification it carries.
func ParseWebhook(payload []byte, sigHeader, secret string) (*domain.WebhookEvent, *domain.Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return fromEvent(&event, payload)
}

// DecodeNotification re-reads a stored, already verified payload. ok is
// false for event types that do not settle an intent.
func DecodeNotification(payload []byte) (domain.Notification, bool, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Notification{}, false, fmt.Errorf("decode stripe event: %w", err)
	}
	_, n, err := fromEvent(&event, payload)
	if err != nil || n == nil {
		return domain.Notification{}, false, err
	}
	return *n, true, nil
}

type intentObject struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata"`
}

func fromEvent(event *stripelib.Event, payload []byte) (*domain.WebhookEvent, *domain.Notification, error) {
	ev := &domain.WebhookEvent{
		EventID:    event.ID,
		EventType:  string(event.Type),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	if ev.EventID == "" {
		return nil, nil, fmt.Errorf("stripe event without id")
	}

	var outcome domain.PaymentOutcome
	switch ev.EventType {
	case EventIntentSucceeded:
		outcome = domain.OutcomeSucceeded
	case EventIntentCanceled:
		outcome = domain.OutcomeFailed
	case EventIntentFailed:
		log.Info().Str("event_id", ev.EventID).Msg("payment attempt failed, intent stays open")
		return ev, nil, nil
	default:
		return ev, nil, nil
	}
	if event.Data == nil {
		return nil, nil, fmt.Errorf("stripe event %s without data", ev.EventID)
	}

	var obj intentObject
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return nil, nil, fmt.Errorf("decode payment_intent: %w", err)
	}
	ev.IntentID = obj.ID
	return ev, &domain.Notification{
		IntentID:  obj.ID,
		Outcome:   outcome,
		Amount:    obj.Amount,
		AccountID: obj.Metadata[metaAccountID],
	}, nil
}
