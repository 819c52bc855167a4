package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/scribe/internal/domain"
)

// Webhook outcomes recorded in the inbox.
const (
	WebhookOutcomeAbandoned = "abandoned"
	WebhookOutcomeIgnored   = "ignored"
)

const webhookColumns = `event_id, event_type, intent_id, payload, received_at,
	processed_at, attempts, last_error, outcome`

// RecordWebhookEvent durably stores a verified notification before it is
// processed. inserted is false when the processor redelivered an event id
// that is already in the inbox.
func (db *DB) RecordWebhookEvent(ctx context.Context, ev *domain.WebhookEvent) (inserted bool, err error) {
	ev.ReceivedAt = db.now().UTC()
	res, err := db.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_events (event_id, event_type, intent_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.EventID, ev.EventType, ev.IntentID, ev.Payload, toMillis(ev.ReceivedAt))
	if err != nil {
		return false, fmt.Errorf("record webhook event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// GetWebhookEvent retrieves an inbox entry.
func (db *DB) GetWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	return scanWebhookEvent(db.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events WHERE event_id = ?`, eventID))
}

// MarkWebhookProcessed closes an inbox entry with its outcome.
func (db *DB) MarkWebhookProcessed(ctx context.Context, eventID, outcome string) error {
	now := toMillis(db.now())
	_, err := db.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed_at = ?, attempts = attempts + 1, outcome = ?, last_error = ''
		WHERE event_id = ? AND processed_at IS NULL
	`, now, outcome, eventID)
	return err
}

// MarkWebhookFailed records a failed processing attempt. The entry stays
// open for the sweeper unless this attempt reached maxAttempts, in which case
// it is closed as abandoned. abandoned reports which happened.
func (db *DB) MarkWebhookFailed(ctx context.Context, eventID, lastError string, maxAttempts int) (abandoned bool, err error) {
	err = db.WithTx(ctx, "webhook_failed", func(tx *Tx) error {
		var attempts int
		err := tx.queryRow(`SELECT attempts FROM webhook_events WHERE event_id = ? AND processed_at IS NULL`, eventID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		attempts++
		if maxAttempts > 0 && attempts >= maxAttempts {
			abandoned = true
			_, err = tx.exec(`
				UPDATE webhook_events SET attempts = ?, last_error = ?, processed_at = ?, outcome = ?
				WHERE event_id = ?
			`, attempts, lastError, toMillis(tx.now), WebhookOutcomeAbandoned, eventID)
			return err
		}
		_, err = tx.exec(`UPDATE webhook_events SET attempts = ?, last_error = ? WHERE event_id = ?`,
			attempts, lastError, eventID)
		return err
	})
	return abandoned, err
}

// UnprocessedWebhookEvents returns open inbox entries, oldest first.
func (db *DB) UnprocessedWebhookEvents(ctx context.Context, limit int) ([]domain.WebhookEvent, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+webhookColumns+` FROM webhook_events
		WHERE processed_at IS NULL ORDER BY received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// CountUnprocessedWebhookEvents returns the inbox backlog.
func (db *DB) CountUnprocessedWebhookEvents(ctx context.Context) (int64, error) {
	var n int64
	err := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

func scanWebhookEvent(row rowScanner) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	var received int64
	var processed sql.NullInt64
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.IntentID, &ev.Payload, &received,
		&processed, &ev.Attempts, &ev.LastError, &ev.Outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("webhook event %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ev.ReceivedAt = fromMillis(received)
	ev.ProcessedAt = timePtr(processed)
	return &ev, nil
}
