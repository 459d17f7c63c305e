package counter

import (
	"context"
	"sync"
)

// Memory is the in-process backend: a mutex-guarded map. Counters do not
// survive a restart, which is fine for tests and single-shot tooling but not
// for a production daemon.
type Memory struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemory returns an empty in-process counter store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]int64)}
}

// Increment adds delta to key and returns the new value. Missing keys start
// at zero.
func (m *Memory) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] += delta
	return m.values[key], nil
}

// CompareAndSwap sets key to next only if its current value is expected.
// A missing key reads as zero.
func (m *Memory) CompareAndSwap(ctx context.Context, key string, expected, next int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] != expected {
		return false, nil
	}
	m.values[key] = next
	return true, nil
}
