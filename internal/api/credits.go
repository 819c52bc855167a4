package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/tutu-network/scribe/internal/app/spend"
	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Credits ────────────────────────────────────────────────────────────────
//
// GET  /api/me               - account profile with balance
// GET  /api/credits/balance  - current balance
// GET  /api/credits/history  - paginated ledger with stats
// POST /api/credits/spend    - priced storage debit; summaries go through /api/summaries

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.DB.GetAccount(r.Context(), accountID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.svc.Query.Balance(r.Context(), accountID(r.Context()))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance": bal})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	page, ok := intParam(w, r, "page", 1)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 20)
	if !ok {
		return
	}

	h, err := s.svc.Query.History(r.Context(), accountID(r.Context()), page, limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type spendRequest struct {
	Kind            domain.EntryKind `json:"kind"`
	DurationMinutes int64            `json:"duration_minutes"`
	Reason          string           `json:"reason"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// A summary debit must create its job in the same transaction, which only
	// the summaries endpoint does. Refs are server generated.
	switch req.Kind {
	case domain.KindTranscriptStorage:
	case domain.KindAISummary:
		writeDomainError(w, r, &domain.ValidationError{Field: "kind", Message: "request summaries through POST /api/summaries"})
		return
	default:
		writeDomainError(w, r, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("cannot spend on %q", req.Kind)})
		return
	}
	if req.DurationMinutes < 0 {
		writeDomainError(w, r, &domain.ValidationError{Field: "duration_minutes", Message: "must be >= 0"})
		return
	}
	cost := s.svc.Pricing.StorageCost(req.DurationMinutes)
	if req.Reason == "" {
		req.Reason = string(req.Kind)
	}

	receipt, err := s.svc.Spend.Spend(r.Context(), spend.Request{
		AccountID: accountID(r.Context()),
		Charges:   []domain.Charge{{Cost: cost, Kind: req.Kind, Reason: req.Reason}},
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"newBalance": receipt.NewBalance,
		"charged":    receipt.Charged,
	})
}

// intParam parses an optional positive integer query parameter.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeErrorDetail(w, http.StatusBadRequest, name+" must be an integer", "invalid_request", map[string]any{"field": name})
		return 0, false
	}
	return n, true
}
