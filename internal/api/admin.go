package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Admin ──────────────────────────────────────────────────────────────────
//
// POST /api/admin/adjustments       - credit or debit an account
// POST /api/admin/jobs/{id}/refund  - refund a failed summary job
// GET  /api/admin/audit?repair=true - compare balances with the ledger

type adjustRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, bal, err := s.svc.Spend.Adjust(r.Context(), req.AccountID, req.Delta, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "newBalance": bal})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	entry, err := s.svc.Jobs.Refund(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	repair := r.URL.Query().Get("repair") == "true"
	divs, err := s.svc.Query.Audit(r.Context(), repair)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if divs == nil {
		divs = []domain.BalanceDivergence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"divergences": divs,
		"repaired":    repair && len(divs) > 0,
	})
}
