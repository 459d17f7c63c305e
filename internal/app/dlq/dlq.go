// Package dlq is the dead-letter queue for failed post-commit side effects.
//
// Ledger mutations are transactional and never land here — when they fail,
// the transaction rolls back and the caller sees the error. What does land
// here is everything that happens after commit: webhook notifications,
// reconciliation alerts, anything dispatched through an event sink. A failed
// delivery is recorded with a bounded exponential backoff schedule and
// retried by a background job; when the schedule is exhausted the item is
// parked for manual review instead of being dropped.
//
// The service doubles as the event sink wired into the ledger and payout
// services: Dispatch routes each event to its registered handler inline and
// enqueues only the failures.
package dlq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// Handler delivers one event payload. A nil error acknowledges delivery.
type Handler func(ctx context.Context, payload []byte) error

// Config parameterizes the retry job.
type Config struct {
	Batch int // Max items drained per retry pass
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Batch: 50}
}

// Service owns the dead-letter table and the handler registry.
type Service struct {
	config Config
	db     *sqlite.DB

	mu       sync.RWMutex
	handlers map[string]Handler

	now func() time.Time
}

// New creates the dead-letter service.
func New(cfg Config, db *sqlite.DB) *Service {
	def := DefaultConfig()
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	return &Service{
		config:   cfg,
		db:       db,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

// Handle registers the delivery handler for an event kind. Registering the
// same kind again replaces the previous handler.
func (s *Service) Handle(kind string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Service) handler(kind string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// ─── Event Sink ─────────────────────────────────────────────────────────────

// Dispatch implements the event sink consumed by the ledger and payout
// services. It runs the handler inline; a failure (or a missing handler)
// enqueues the event for retry. Never returns an error — the ledger write
// already committed and must not be disturbed.
func (s *Service) Dispatch(ctx context.Context, kind string, payload []byte) {
	h, ok := s.handler(kind)
	if !ok {
		log.Printf("[dlq] no handler for %s, queued", kind)
		s.enqueue(ctx, kind, payload, "no_handler")
		return
	}
	if err := h(ctx, payload); err != nil {
		log.Printf("[dlq] %s delivery failed, queued: %v", kind, err)
		s.enqueue(ctx, kind, payload, errCode(err))
	}
}

// enqueue records the first failed delivery attempt. Best-effort: if even the
// queue write fails, the event is lost and the log line is all that remains.
func (s *Service) enqueue(ctx context.Context, kind string, payload []byte, code string) {
	if _, err := s.Enqueue(ctx, kind, payload, code); err != nil {
		log.Printf("[dlq] enqueue %s failed, event lost: %v", kind, err)
	}
}

// Enqueue queues a failed side effect for retry. The inline delivery that
// just failed counts as attempt 1, so the first retry follows the first
// backoff slot.
func (s *Service) Enqueue(ctx context.Context, kind string, payload []byte, errorCode string) (domain.DLQEntry, error) {
	now := s.now().UTC()
	delay, _ := domain.NextRetryDelay(1)
	e := domain.DLQEntry{
		ID:          domain.NewID(domain.IDPrefixDLQ),
		Kind:        kind,
		Payload:     payload,
		ErrorCode:   errorCode,
		Attempts:    1,
		NextRetryAt: now.Add(delay),
		Status:      domain.DLQPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.InsertDLQ(ctx, e)
	})
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("enqueue dlq item: %w", err)
	}
	s.refreshDepth(ctx)
	return e, nil
}

// ─── Retry Job ──────────────────────────────────────────────────────────────

// RetryStats summarizes one retry pass.
type RetryStats struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Parked    int `json:"parked"`
}

// Retry redelivers due items once each. Failures either reschedule on the
// next backoff slot or park the item for manual review when the schedule is
// exhausted. Called on an interval by the daemon with the current time.
func (s *Service) Retry(ctx context.Context, now time.Time) (RetryStats, error) {
	now = now.UTC()
	due, err := s.db.DueDLQ(ctx, now, s.config.Batch)
	if err != nil {
		return RetryStats{}, fmt.Errorf("list due dlq items: %w", err)
	}

	var stats RetryStats
	for _, e := range due {
		outcome, err := s.retryOne(ctx, e, now)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case "delivered":
			stats.Delivered++
		case "parked":
			stats.Parked++
		default:
			stats.Failed++
		}
		observability.DLQRetries.WithLabelValues(outcome).Inc()
	}

	if len(due) > 0 {
		log.Printf("[dlq] retry pass: %d delivered, %d rescheduled, %d parked",
			stats.Delivered, stats.Failed, stats.Parked)
	}
	s.refreshDepth(ctx)
	return stats, nil
}

func (s *Service) retryOne(ctx context.Context, e domain.DLQEntry, now time.Time) (string, error) {
	attempts := e.Attempts + 1

	var deliveryErr error
	if h, ok := s.handler(e.Kind); ok {
		deliveryErr = h(ctx, e.Payload)
	} else {
		deliveryErr = fmt.Errorf("no handler for %s", e.Kind)
	}

	var update func(tx *sqlite.Tx) error
	var outcome string
	switch {
	case deliveryErr == nil:
		outcome = "delivered"
		update = func(tx *sqlite.Tx) error {
			return tx.UpdateDLQ(ctx, e.ID, attempts, domain.DLQDone, "", now, now)
		}
	default:
		delay, ok := domain.NextRetryDelay(attempts)
		if ok {
			outcome = "failed"
			update = func(tx *sqlite.Tx) error {
				return tx.UpdateDLQ(ctx, e.ID, attempts, domain.DLQPending, errCode(deliveryErr), now.Add(delay), now)
			}
		} else {
			outcome = "parked"
			log.Printf("[dlq] %s exhausted retries, parked for review: %v", e.ID, deliveryErr)
			update = func(tx *sqlite.Tx) error {
				return tx.UpdateDLQ(ctx, e.ID, attempts, domain.DLQManualReview, errCode(deliveryErr), now, now)
			}
		}
	}

	if err := s.db.WithTx(ctx, update); err != nil {
		return "", fmt.Errorf("update dlq item %s: %w", e.ID, err)
	}
	return outcome, nil
}

// ─── Operator Surface ───────────────────────────────────────────────────────

// Requeue pushes a parked (or pending) item back for one immediate delivery
// attempt. The attempt count is preserved, so a parked item that fails again
// parks again — each requeue buys exactly one try.
func (s *Service) Requeue(ctx context.Context, id string) (domain.DLQEntry, error) {
	e, ok, err := s.db.GetDLQ(ctx, id)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	if !ok {
		return domain.DLQEntry{}, domain.ErrDLQNotFound
	}
	if e.Status == domain.DLQDone {
		return domain.DLQEntry{}, fmt.Errorf("item %s already delivered", id)
	}

	now := s.now().UTC()
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.UpdateDLQ(ctx, e.ID, e.Attempts, domain.DLQPending, e.ErrorCode, now, now)
	})
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("requeue dlq item %s: %w", id, err)
	}

	e.Status = domain.DLQPending
	e.NextRetryAt = now
	e.UpdatedAt = now
	s.refreshDepth(ctx)
	return e, nil
}

// List returns items in the given status, oldest first.
func (s *Service) List(ctx context.Context, status domain.DLQStatus, limit int) ([]domain.DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.db.ListDLQ(ctx, status, limit)
}

// Count returns how many items sit in the given status.
func (s *Service) Count(ctx context.Context, status domain.DLQStatus) (int, error) {
	return s.db.CountDLQ(ctx, status)
}

// refreshDepth re-reads the actionable queue depths into the gauges.
func (s *Service) refreshDepth(ctx context.Context) {
	for _, status := range []domain.DLQStatus{domain.DLQPending, domain.DLQManualReview} {
		n, err := s.db.CountDLQ(ctx, status)
		if err != nil {
			return
		}
		observability.DLQDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

// errCode turns a delivery error into a short stored code.
func errCode(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
