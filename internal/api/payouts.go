package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Payouts ────────────────────────────────────────────────────────────────

// handlePayoutRequest opens a withdrawal. The gross amount moves into escrow
// and the request lands in the approved state, ready for the payment rail.
// POST /v1/payouts
func (s *Server) handlePayoutRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string `json:"account_id"`
		Amount      int64  `json:"amount_micros"`
		Destination string `json:"destination"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required")
		return
	}

	p, err := s.payout.Request(r.Context(), req.AccountID, req.Amount, req.Destination)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handlePayoutGet returns one payout request.
// GET /v1/payouts/{id}
func (s *Server) handlePayoutGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.payout.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePayoutCancel cancels a payout that has not reached the rail and
// returns its escrow.
// POST /v1/payouts/{id}/cancel
func (s *Server) handlePayoutCancel(w http.ResponseWriter, r *http.Request) {
	p, err := s.payout.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePayoutList returns the account's payout history, newest first.
// GET /v1/accounts/{id}/payouts
func (s *Server) handlePayoutList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	payouts, err := s.payout.List(r.Context(), chi.URLParam(r, "id"), int(limit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

// handleKYCSet records the account's verified compliance level.
// PUT /v1/accounts/{id}/kyc
func (s *Server) handleKYCSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level string `json:"level"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	level := domain.KYCLevel(req.Level)
	if !domain.ValidKYCLevel(level) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown kyc level "+req.Level)
		return
	}

	accountID := chi.URLParam(r, "id")
	if err := s.payout.SetKYCLevel(r.Context(), accountID, level); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"level":      string(level),
	})
}
