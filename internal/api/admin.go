package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Operator Surface ───────────────────────────────────────────────────────
// The payment rail drives payout transitions through these endpoints; the
// rest expose the auditor, the dead-letter queue and recent traces.

// handleReconcile runs a reconciliation pass immediately and returns the
// report.
// POST /v1/admin/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "reconciler not configured")
		return
	}

	report, err := s.reconciler.Run(r.Context(), time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleDLQList returns dead-letter items in the given status plus the
// actionable depth counts.
// GET /v1/admin/dlq?status=pending|done|manual_review&limit=N
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "dead-letter queue not configured")
		return
	}

	status := domain.DLQStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.DLQPending
	}
	switch status {
	case domain.DLQPending, domain.DLQDone, domain.DLQManualReview:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status "+string(status))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	items, err := s.queue.List(r.Context(), status, int(limit))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pending, err := s.queue.Count(r.Context(), domain.DLQPending)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	parked, err := s.queue.Count(r.Context(), domain.DLQManualReview)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":         items,
		"pending":       pending,
		"manual_review": parked,
	})
}

// handleDLQRequeue pushes a parked item back for one delivery attempt.
// POST /v1/admin/dlq/{id}/requeue
func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "dead-letter queue not configured")
		return
	}

	e, err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handlePayoutProcess marks an approved payout as handed to the rail.
// POST /v1/admin/payouts/{id}/process
func (s *Server) handlePayoutProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.payout.Process(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePayoutComplete records a successful rail transfer: escrow is
// consumed and the fee collected.
// POST /v1/admin/payouts/{id}/complete
func (s *Server) handlePayoutComplete(w http.ResponseWriter, r *http.Request) {
	p, err := s.payout.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePayoutFail records a rail failure and returns the escrow.
// POST /v1/admin/payouts/{id}/fail
func (s *Server) handlePayoutFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := s.payout.Fail(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleTraces returns the most recent recorded spans.
// GET /v1/admin/traces?limit=N
func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeError(w, http.StatusServiceUnavailable, "backend_unavailable", "tracing not enabled")
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": s.tracer.Spans(int(limit)),
	})
}
