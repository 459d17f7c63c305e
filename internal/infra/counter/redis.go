package counter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tutu-network/tally/internal/domain"
)

// casScript performs compare-and-swap server-side so the read and the write
// are a single atomic step. A missing key compares as zero.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then cur = '0' end
if cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// Redis is the shared backend for multi-process deployments. Atomicity is
// delegated to the server: INCRBY for increments, a Lua script for CAS.
//
// The backend fails closed. Any transport or server error surfaces as
// domain.ErrBackendUnavailable and the caller's operation aborts; guarded
// operations never proceed on a guess about the counter's value.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a backend talking to the server at addr (host:port).
// The connection is established lazily on first use.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close releases the client's connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Increment adds delta to key and returns the new value.
func (r *Redis) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	val, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: increment %q: %v", domain.ErrBackendUnavailable, key, err)
	}
	return val, nil
}

// CompareAndSwap sets key to next only if its current value is expected.
func (r *Redis) CompareAndSwap(ctx context.Context, key string, expected, next int64) (bool, error) {
	res, err := casScript.Run(ctx, r.client, []string{key}, expected, next).Int()
	if err != nil {
		return false, fmt.Errorf("%w: compare-and-swap %q: %v", domain.ErrBackendUnavailable, key, err)
	}
	return res == 1, nil
}
