// Package purchase starts credit purchases with the payment processor.
package purchase

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/domain"
	"github.com/tutu-network/scribe/internal/infra/sqlite"
)

// Intent is what a client needs to complete a purchase.
type Intent struct {
	IntentID     string `json:"intentId"`
	ClientHandle string `json:"clientHandle"`
	Credits      int64  `json:"credits"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency"`
}

// Service creates payment intents.
type Service struct {
	db        *sqlite.DB
	processor domain.PaymentProcessor
	currency  string
}

// New creates a purchase service. processor may be nil when payments are not
// configured; CreateIntent then returns domain.ErrNotConfigured.
func New(db *sqlite.DB, processor domain.PaymentProcessor, currency string) *Service {
	if currency == "" {
		currency = "usd"
	}
	return &Service{db: db, processor: processor, currency: strings.ToLower(currency)}
}

// Products lists the purchasable credit packs.
func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	return s.db.ListProducts(ctx)
}

// CreateIntent registers a purchase with the processor and records it as
// pending. The processor call happens before any ledger transaction; the
// credit amount is fixed from the catalogue at this point.
func (s *Service) CreateIntent(ctx context.Context, accountID, productID string) (*Intent, error) {
	if productID == "" {
		return nil, &domain.ValidationError{Field: "productId", Message: "required"}
	}
	if s.processor == nil {
		return nil, fmt.Errorf("payments: %w", domain.ErrNotConfigured)
	}

	product, err := s.db.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	intentID, handle, err := s.processor.CreateIntent(ctx, domain.IntentRequest{
		AccountID:   accountID,
		ProductID:   product.ID,
		AmountCents: product.PriceCents,
		Currency:    s.currency,
		Credits:     product.Credits,
	})
	if err != nil {
		return nil, err
	}

	rec := &domain.PaymentIntentRecord{
		IntentID:       intentID,
		AccountID:      accountID,
		ProductID:      product.ID,
		AmountCents:    product.PriceCents,
		Currency:       s.currency,
		CreditsGranted: product.Credits,
	}
	if err := s.db.InsertIntent(ctx, rec); err != nil {
		// The processor holds an intent we failed to record. A settlement
		// for it will sit in the webhook inbox until abandoned.
		log.Error().Err(err).Str("intent_id", intentID).Str("account_id", accountID).Msg("record payment intent failed")
		return nil, err
	}

	log.Info().
		Str("intent_id", intentID).
		Str("account_id", accountID).
		Str("product_id", product.ID).
		Int64("credits", product.Credits).
		Msg("payment intent created")
	return &Intent{
		IntentID:     intentID,
		ClientHandle: handle,
		Credits:      product.Credits,
		AmountCents:  product.PriceCents,
		Currency:     s.currency,
	}, nil
}
