// Package counter implements the pluggable atomic-counter primitive behind
// domain.Counter. Everything in the ledger that must avoid double-processing
// — per-account-per-pool sequence numbers, deposit replay guards — is built
// on it.
//
// Three interchangeable backends provide the same atomicity guarantee:
//
//   - memory: mutex-guarded map; single process, used by tests.
//   - badger: local transactional KV store; durable across restarts of a
//     single writer process.
//   - redis:  remote store executing a server-side script; safe across
//     multiple processes.
//
// Two concurrent callers incrementing the same key never produce a result
// consistent with a lost-update race, regardless of backend. When the remote
// backend is unreachable the operation fails closed with
// domain.ErrBackendUnavailable — there is no silent fallback to a non-atomic
// path.
package counter

import (
	"fmt"

	"github.com/tutu-network/tally/internal/domain"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// Config selects and parameterizes a counter backend.
type Config struct {
	Backend   string // "memory", "badger" or "redis"
	BadgerDir string // Data directory for the badger backend
	RedisAddr string // host:port for the redis backend
}

// New constructs the configured backend. The choice is made once at
// construction time; callers only ever see domain.Counter.
func New(cfg Config) (domain.Counter, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendBadger:
		return OpenBadger(cfg.BadgerDir)
	case BackendRedis:
		return NewRedis(cfg.RedisAddr), nil
	default:
		return nil, fmt.Errorf("unknown counter backend %q", cfg.Backend)
	}
}
