package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// DefaultMaxAttempts is how often an inbox event is processed before it is
// abandoned.
const DefaultMaxAttempts = 10

// Decoder turns a stored webhook payload back into a notification. ok is
// false for event types that carry no settlement outcome.
type Decoder func(payload []byte) (n domain.Notification, ok bool, err error)

// Inbox durably records processor notifications and processes them.
type Inbox struct {
	db          *sqlite.DB
	reconciler  *Reconciler
	maxAttempts int
}

// NewInbox creates a webhook inbox.
func NewInbox(db *sqlite.DB, r *Reconciler, maxAttempts int) *Inbox {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Inbox{db: db, reconciler: r, maxAttempts: maxAttempts}
}

// Receive records a verified event and processes it once. The returned error
// is non-nil only when the event could not be recorded; processing failures
// are kept on the inbox row for the sweeper. n is nil for event types that
// carry no settlement outcome.
func (i *Inbox) Receive(ctx context.Context, ev *domain.WebhookEvent, n *domain.Notification) (string, error) {
	inserted, err := i.db.RecordWebhookEvent(ctx, ev)
	if err != nil {
		return "", err
	}
	if !inserted {
		log.Info().Str("event_id", ev.EventID).Msg("webhook event already recorded")
		return "duplicate", nil
	}
	if n == nil {
		if err := i.db.MarkWebhookProcessed(ctx, ev.EventID, sqlite.WebhookOutcomeIgnored); err != nil {
			log.Error().Err(err).Str("event_id", ev.EventID).Msg("mark webhook ignored failed")
		}
		return sqlite.WebhookOutcomeIgnored, nil
	}
	return i.process(ctx, ev.EventID, *n), nil
}

// process reconciles a recorded event and closes or retries its inbox row.
// It returns the outcome label.
func (i *Inbox) process(ctx context.Context, eventID string, n domain.Notification) string {
	result, err := i.reconciler.Reconcile(ctx, n)
	switch {
	case err != nil:
		return i.retry(ctx, eventID, err.Error())
	case result == domain.SettlementNotFound:
		// The intent row may not be committed yet; the sweeper tries again.
		return i.retry(ctx, eventID, "payment intent not found")
	}

	if err := i.db.MarkWebhookProcessed(ctx, eventID, string(result)); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("mark webhook processed failed")
	}
	return string(result)
}

func (i *Inbox) retry(ctx context.Context, eventID, reason string) string {
	abandoned, err := i.db.MarkWebhookFailed(ctx, eventID, reason, i.maxAttempts)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("record webhook failure failed")
		return "error"
	}
	if abandoned {
		log.Error().
			Str("event_id", eventID).
			Str("last_error", reason).
			Int("max_attempts", i.maxAttempts).
			Msg("webhook event abandoned, manual reconciliation required")
		return sqlite.WebhookOutcomeAbandoned
	}
	log.Warn().Str("event_id", eventID).Str("error", reason).Msg("webhook processing deferred to sweeper")
	return "retry"
}

// ─── Sweeper ────────────────────────────────────────────────────────────────

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Applied   int `json:"applied"`
	Retrying  int `json:"retrying"`
	Abandoned int `json:"abandoned"`
}

// Sweeper re-processes open inbox events.
type Sweeper struct {
	db       *sqlite.DB
	inbox    *Inbox
	decode   Decoder
	interval time.Duration
	batch    int
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(db *sqlite.DB, inbox *Inbox, decode Decoder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{db: db, inbox: inbox, decode: decode, interval: interval, batch: 100}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("webhook sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("webhook sweeper stopped")
			return nil
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("webhook sweep failed")
				}
				continue
			}
			if stats.Scanned > 0 {
				log.Info().
					Int("scanned", stats.Scanned).
					Int("applied", stats.Applied).
					Int("retrying", stats.Retrying).
					Int("abandoned", stats.Abandoned).
					Msg("webhook sweep finished")
			}
		}
	}
}

// SweepOnce processes one batch of open inbox events, oldest first.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	events, err := s.db.UnprocessedWebhookEvents(ctx, s.batch)
	if err != nil {
		return stats, err
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		stats.Scanned++

		n, ok, err := s.decode(ev.Payload)
		var outcome string
		switch {
		case err != nil:
			outcome = s.inbox.retry(ctx, ev.EventID, "decode payload: "+err.Error())
		case !ok:
			if err := s.db.MarkWebhookProcessed(ctx, ev.EventID, sqlite.WebhookOutcomeIgnored); err != nil {
				return stats, err
			}
			outcome = sqlite.WebhookOutcomeIgnored
		default:
			outcome = s.inbox.process(ctx, ev.EventID, n)
		}

		switch outcome {
		case string(domain.SettlementApplied), string(domain.SettlementAlreadyApplied):
			stats.Applied++
		case sqlite.WebhookOutcomeAbandoned:
			stats.Abandoned++
		case "retry", "error":
			stats.Retrying++
		}
	}

	if backlog, err := s.db.CountUnprocessedWebhookEvents(ctx); err == nil {
		observability.WebhookBacklog.Set(float64(backlog))
	}
	return stats, nil
}
