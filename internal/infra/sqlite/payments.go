package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Product Catalogue ──────────────────────────────────────────────────────

// SyncProducts mirrors the configured catalogue into the products table.
// Products missing from the list are deactivated, not deleted, so historical
// intents keep a valid product id.
func (db *DB) SyncProducts(ctx context.Context, products []domain.Product) error {
	return db.WithTx(ctx, "sync_products", func(tx *Tx) error {
		if _, err := tx.exec(`UPDATE products SET active = 0`); err != nil {
			return err
		}
		for _, p := range products {
			_, err := tx.exec(`
				INSERT INTO products (id, name, price_cents, credits, active)
				VALUES (?, ?, ?, ?, 1)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					price_cents = excluded.price_cents,
					credits = excluded.credits,
					active = 1
			`, p.ID, p.Name, p.PriceCents, p.Credits)
			if err != nil {
				return fmt.Errorf("upsert product %s: %w", p.ID, err)
			}
		}
		return nil
	})
}

// GetProduct returns an active product.
func (db *DB) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := db.db.QueryRowContext(ctx, `
		SELECT id, name, price_cents, credits FROM products WHERE id = ? AND active = 1
	`, id).Scan(&p.ID, &p.Name, &p.PriceCents, &p.Credits)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns active products ordered by price.
func (db *DB) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, name, price_cents, credits FROM products WHERE active = 1 ORDER BY price_cents, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Credits); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Payment Intents ────────────────────────────────────────────────────────

const intentColumns = `intent_id, account_id, product_id, amount_cents, currency,
	credits_granted, status, created_at, settled_at`

// InsertIntent records a pending purchase. The credit amount is fixed here;
// settlement never consults the live catalogue.
func (db *DB) InsertIntent(ctx context.Context, rec *domain.PaymentIntentRecord) error {
	rec.Status = domain.IntentPending
	rec.CreatedAt = db.now().UTC()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO payment_intents (intent_id, account_id, product_id, amount_cents, currency, credits_granted, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.IntentID, rec.AccountID, rec.ProductID, rec.AmountCents, rec.Currency,
		rec.CreditsGranted, string(rec.Status), toMillis(rec.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Resource: "payment intent", ID: rec.IntentID, Message: "already recorded"}
		}
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

// GetIntent retrieves a payment intent by processor id.
func (db *DB) GetIntent(ctx context.Context, intentID string) (*domain.PaymentIntentRecord, error) {
	return scanIntent(db.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE intent_id = ?`, intentID))
}

// GetIntent reads the intent inside the settlement transaction.
func (tx *Tx) GetIntent(intentID string) (*domain.PaymentIntentRecord, error) {
	return scanIntent(tx.queryRow(`SELECT `+intentColumns+` FROM payment_intents WHERE intent_id = ?`, intentID))
}

// SettleIntent moves a pending intent to a terminal status. It reports false
// when the intent was already settled.
func (tx *Tx) SettleIntent(intentID string, status domain.IntentStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("settle intent: %q is not a terminal status", status)
	}
	now := tx.now
	res, err := tx.exec(`
		UPDATE payment_intents SET status = ?, settled_at = ?
		WHERE intent_id = ? AND status = 'pending'
	`, string(status), nullableMillis(&now), intentID)
	if err != nil {
		return false, fmt.Errorf("settle intent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListIntents returns an account's intents newest first.
func (db *DB) ListIntents(ctx context.Context, accountID string, limit int) ([]domain.PaymentIntentRecord, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+intentColumns+` FROM payment_intents
		WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentIntentRecord
	for rows.Next() {
		rec, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// StalePendingIntents counts intents still pending after olderThan.
func (db *DB) StalePendingIntents(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payment_intents WHERE status = 'pending' AND created_at < ?
	`, toMillis(db.now().Add(-olderThan))).Scan(&n)
	return n, err
}

func scanIntent(row rowScanner) (*domain.PaymentIntentRecord, error) {
	var rec domain.PaymentIntentRecord
	var status string
	var created int64
	var settled sql.NullInt64
	err := row.Scan(&rec.IntentID, &rec.AccountID, &rec.ProductID, &rec.AmountCents, &rec.Currency,
		&rec.CreditsGranted, &status, &created, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = domain.IntentStatus(status)
	rec.CreatedAt = fromMillis(created)
	rec.SettledAt = timePtr(settled)
	return &rec, nil
}
