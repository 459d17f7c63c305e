// Package api provides the HTTP server for the tally daemon.
//
// All money amounts on the wire are integer micro-credits; the server never
// parses or emits floating point currency. Service errors map onto stable
// error codes so clients can branch without string matching.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutu-network/tally/internal/app/dlq"
	"github.com/tutu-network/tally/internal/app/ledger"
	"github.com/tutu-network/tally/internal/app/payout"
	"github.com/tutu-network/tally/internal/app/reconcile"
	"github.com/tutu-network/tally/internal/app/settlement"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/observability"
)

// Server wires the credit services into HTTP routes.
type Server struct {
	ledger     *ledger.Service
	settlement *settlement.Service
	payout     *payout.Service

	reconciler     *reconcile.Service    // optional: admin reconcile endpoint
	queue          *dlq.Service          // optional: admin DLQ endpoints
	tracer         *observability.Tracer // optional: request spans + admin trace endpoint
	metricsEnabled bool
	version        string
}

// NewServer creates the API server over the three core services.
func NewServer(lgr *ledger.Service, settle *settlement.Service, pay *payout.Service) *Server {
	return &Server{ledger: lgr, settlement: settle, payout: pay, version: "dev"}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetReconciler enables the admin reconciliation endpoint.
func (s *Server) SetReconciler(r *reconcile.Service) { s.reconciler = r }

// SetDLQ enables the admin dead-letter endpoints.
func (s *Server) SetDLQ(q *dlq.Service) { s.queue = q }

// SetTracer enables per-request spans and the admin trace endpoint.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetVersion sets the string reported by /version.
func (s *Server) SetVersion(v string) { s.version = v }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.observe)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
	})

	r.Route("/v1", func(r chi.Router) {
		// Credit issuance
		r.Post("/grants", s.handleGrant)
		r.Post("/deposits", s.handleDeposit)
		r.Post("/bonuses", s.handleBonus)
		r.Post("/bonuses/{id}/resolve", s.handleBonusResolve)

		// Usage lifecycle
		r.Post("/reserve", s.handleReserve)
		r.Get("/reservations/{id}", s.handleReservationGet)
		r.Post("/reservations/{id}/finalize", s.handleFinalize)
		r.Post("/clawbacks", s.handleClawback)

		// Account views
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", s.handleBalance)
			r.Get("/entries", s.handleEntries)
			r.Get("/lots", s.handleLots)
			r.Get("/payouts", s.handlePayoutList)
			r.Put("/kyc", s.handleKYCSet)
		})

		// Payouts
		r.Post("/payouts", s.handlePayoutRequest)
		r.Get("/payouts/{id}", s.handlePayoutGet)
		r.Post("/payouts/{id}/cancel", s.handlePayoutCancel)

		// Operator surface
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", s.handleReconcile)
			r.Get("/dlq", s.handleDLQList)
			r.Post("/dlq/{id}/requeue", s.handleDLQRequeue)
			r.Post("/payouts/{id}/process", s.handlePayoutProcess)
			r.Post("/payouts/{id}/complete", s.handlePayoutComplete)
			r.Post("/payouts/{id}/fail", s.handlePayoutFail)
			r.Get("/traces", s.handleTraces)
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// observe records request metrics and, when a tracer is set, a span per
// request. The route pattern is only known after routing, so labels are
// resolved on the way out.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		var span *observability.Span
		if s.tracer != nil {
			span = s.tracer.StartSpan(r.Context(), r.Method+" "+r.URL.Path, nil)
		}

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		observability.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		observability.HTTPDuration.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))

		if s.tracer != nil {
			span.Operation = r.Method + " " + route
			var spanErr error
			if status >= http.StatusInternalServerError {
				spanErr = fmt.Errorf("status %d", status)
			}
			s.tracer.EndSpan(span, spanErr)
		}
	})
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// apiError is the wire form of a failed request.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with a stable code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

// writeDomainError maps a service error onto its HTTP status and stable code.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	writeError(w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, domain.ErrLotNotFound),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrReservationNotFound),
		errors.Is(err, domain.ErrPayoutNotFound),
		errors.Is(err, domain.ErrBonusHoldNotFound),
		errors.Is(err, domain.ErrDLQNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusConflict, "insufficient_balance"
	case errors.Is(err, domain.ErrReservationExpired):
		return http.StatusConflict, "reservation_expired"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrKYCInsufficient):
		return http.StatusForbidden, "kyc_required"
	case errors.Is(err, domain.ErrBelowMinimum):
		return http.StatusBadRequest, "below_minimum"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, domain.ErrBonusBlocked):
		return http.StatusConflict, "bonus_blocked"
	case errors.Is(err, domain.ErrAlreadySettled):
		return http.StatusConflict, "already_settled"
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrBonusHoldResolved),
		errors.Is(err, domain.ErrFeeExceedsCap):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeJSON decodes the request body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back when absent.
func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return v, nil
}
