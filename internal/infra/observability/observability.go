// Package observability exposes Prometheus metrics for the money paths and a
// lightweight in-memory tracer for request-level audit.
//
// Metrics are package-level promauto collectors registered at init; the
// daemon serves them on /metrics. The tracer keeps a bounded ring of recent
// operation spans so an operator can answer "what just happened to this
// account" without external tracing infrastructure.
package observability

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// Grants tracks lots created, by pool.
var Grants = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "ledger",
	Name:      "grants_total",
	Help:      "Total lots granted, by pool.",
}, []string{"pool"})

// Reserves tracks reservation attempts by outcome.
var Reserves = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "ledger",
	Name:      "reserves_total",
	Help:      "Total reservation attempts by outcome (ok, insufficient, error).",
}, []string{"outcome"})

// Finalizes tracks finalization attempts by outcome.
var Finalizes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "ledger",
	Name:      "finalizes_total",
	Help:      "Total finalizations by outcome (ok, idempotent, overrun, expired, error).",
}, []string{"outcome"})

// ReservationsReaped tracks reservations expired by the reaper.
var ReservationsReaped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "ledger",
	Name:      "reservations_reaped_total",
	Help:      "Total reservations expired by the TTL reaper.",
})

// OverrunShortfall tracks uncollectable overrun value.
var OverrunShortfall = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "ledger",
	Name:      "overrun_shortfall_micros_total",
	Help:      "Total overrun cost (micros) that exceeded all remaining account value.",
})

// ─── Distribution & Settlement Metrics ──────────────────────────────────────

// Distributions tracks completed revenue splits.
var Distributions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "distribution",
	Name:      "splits_total",
	Help:      "Total revenue distributions performed.",
})

// DistributedMicros tracks gross value distributed.
var DistributedMicros = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "distribution",
	Name:      "gross_micros_total",
	Help:      "Total gross value (micros) split across stakeholders.",
})

// SettledLots tracks lots stamped settled by the maturation job.
var SettledLots = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "settlement",
	Name:      "lots_settled_total",
	Help:      "Total lots settled after the maturity window.",
})

// Clawbacks tracks provisional earnings reversed before maturity.
var Clawbacks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "settlement",
	Name:      "clawbacks_total",
	Help:      "Total clawbacks applied to provisional earnings.",
})

// ─── Payout Metrics ─────────────────────────────────────────────────────────

// PayoutTransitions tracks state machine movement, by target state.
var PayoutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "payout",
	Name:      "transitions_total",
	Help:      "Total payout state transitions, by target state.",
}, []string{"to"})

// PayoutRejections tracks requests refused at validation, by reason.
var PayoutRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "payout",
	Name:      "rejections_total",
	Help:      "Total payout requests rejected, by reason (minimum, rate_limit, kyc, balance, fee_cap).",
}, []string{"reason"})

// TreasuryConflicts tracks optimistic-concurrency aborts.
var TreasuryConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "payout",
	Name:      "treasury_conflicts_total",
	Help:      "Total payout mutations aborted by a treasury version conflict.",
})

// ─── Reconciliation & DLQ Metrics ───────────────────────────────────────────

// ReconcileRuns tracks auditor executions.
var ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "reconcile",
	Name:      "runs_total",
	Help:      "Total reconciliation runs.",
})

// ReconcileViolations reports the violation count found by the last run,
// per invariant.
var ReconcileViolations = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tally",
	Subsystem: "reconcile",
	Name:      "violations",
	Help:      "Violations found by the most recent reconciliation run, by invariant.",
}, []string{"invariant"})

// DLQDepth reports items sitting in the dead-letter queue, by status.
var DLQDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tally",
	Subsystem: "dlq",
	Name:      "depth",
	Help:      "Dead-letter queue depth, by status.",
}, []string{"status"})

// DLQRetries tracks retry attempts by outcome.
var DLQRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "dlq",
	Name:      "retries_total",
	Help:      "Total dead-letter retry attempts by outcome (delivered, failed, parked).",
}, []string{"outcome"})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests tracks API calls by route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tally",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "Total HTTP requests, by method, route pattern and status.",
}, []string{"method", "route", "status"})

// HTTPDuration tracks API latency per route pattern.
var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tally",
	Subsystem: "http",
	Name:      "request_duration_ms",
	Help:      "HTTP request duration in milliseconds.",
	Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
}, []string{"route"})

// ─── Trace Spans ────────────────────────────────────────────────────────────

// Span is one recorded operation: an API request or a background job pass.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Err       string            `json:"error,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Tracer keeps a bounded ring of recent spans for operator inspection.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // Ring buffer size
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 10_000,
	}
}

// NewTracer creates a tracer with the given bounds.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span for the named operation. The caller must pass it
// to EndSpan when the operation finishes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    nextID(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it in the ring.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Err = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns up to limit of the most recent spans (all when limit <= 0).
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "tally-trace-id"
	spanIDKey  contextKey = "tally-span-id"
)

// WithTraceID returns a context carrying the given trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context carrying the given span id.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func traceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return nextID()
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// nextID creates a short unique id (not cryptographically secure — fine for
// tracing).
var spanCounter atomic.Int64

func nextID() string {
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), spanCounter.Add(1))
}
