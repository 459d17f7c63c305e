package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Credit Issuance ────────────────────────────────────────────────────────

// handleGrant mints a new lot in the given pool.
// POST /v1/grants
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Pool      string `json:"pool"`
		Amount    int64  `json:"amount_micros"`
		Ref       string `json:"ref,omitempty"`
		Note      string `json:"note,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required")
		return
	}
	if !domain.ValidPool(domain.Pool(req.Pool)) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown pool "+req.Pool)
		return
	}

	entry, err := s.ledger.Grant(r.Context(), req.AccountID, domain.Pool(req.Pool), req.Amount, req.Ref, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleDeposit converts a confirmed external payment into purchased credit.
// Replaying the same external_ref returns the original deposit unchanged.
// POST /v1/deposits
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string `json:"account_id"`
		Amount      int64  `json:"amount_micros"`
		ExternalRef string `json:"external_ref"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.ExternalRef == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id and external_ref are required")
		return
	}

	dep, err := s.ledger.Deposit(r.Context(), req.AccountID, req.Amount, req.ExternalRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleBonus applies a signup bonus under a fraud verdict.
// POST /v1/bonuses
func (s *Server) handleBonus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount_micros"`
		Verdict   string `json:"verdict"`
		ScoreBps  int64  `json:"score_bps,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required")
		return
	}
	if !domain.ValidFraudVerdict(domain.FraudVerdict(req.Verdict)) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown verdict "+req.Verdict)
		return
	}

	res, err := s.ledger.ApplyBonus(r.Context(), req.AccountID, req.Amount, domain.FraudVerdict(req.Verdict), req.ScoreBps)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleBonusResolve approves or rejects a fraud-held bonus.
// POST /v1/bonuses/{id}/resolve
func (s *Server) handleBonusResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.ledger.ResolveBonus(r.Context(), chi.URLParam(r, "id"), req.Approve)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Usage Lifecycle ────────────────────────────────────────────────────────

// handleReserve places a hold for estimated usage cost.
// POST /v1/reserve
func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID  string `json:"account_id"`
		Amount     int64  `json:"amount_micros"`
		TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required")
		return
	}

	res, err := s.ledger.Reserve(r.Context(), req.AccountID, req.Amount, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleReservationGet returns one reservation with its per-lot draws.
// GET /v1/reservations/{id}
func (s *Server) handleReservationGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Reservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleFinalize settles a reservation at the actual cost. Idempotent:
// repeating the call reports the stored outcome.
// POST /v1/reservations/{id}/finalize
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actual int64 `json:"actual_micros"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.ledger.Finalize(r.Context(), chi.URLParam(r, "id"), req.Actual)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleClawback reverses a provisional earning by lot id or entry ref.
// POST /v1/clawbacks
func (s *Server) handleClawback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref    string `json:"ref"`
		Amount int64  `json:"amount_micros"`
		Reason string `json:"reason,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Ref == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "ref is required")
		return
	}

	entry, err := s.settlement.ClawbackEarning(r.Context(), req.Ref, req.Amount, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ─── Account Views ──────────────────────────────────────────────────────────

// handleBalance returns the five-way balance decomposition.
// GET /v1/accounts/{id}/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.settlement.Balance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// handleEntries returns the account's journal, newest first. With a pool it
// supports before_seq/limit pagination; without one it spans all pools.
// GET /v1/accounts/{id}/entries
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	pool := domain.Pool(r.URL.Query().Get("pool"))
	if pool != "" && !domain.ValidPool(pool) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown pool "+string(pool))
		return
	}
	beforeSeq, err := queryInt(r, "before_seq", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if pool == "" && beforeSeq > 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "before_seq requires a pool")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entries, err := s.ledger.Entries(r.Context(), chi.URLParam(r, "id"), pool, beforeSeq, int(limit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// handleLots returns the account's lots, oldest first.
// GET /v1/accounts/{id}/lots
func (s *Server) handleLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.ledger.Lots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lots": lots})
}
