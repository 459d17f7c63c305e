package counter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is the durable local backend. Counters live in a badger key-value
// store on disk and survive process restarts. Atomicity comes from badger's
// serializable transactions: a read-modify-write inside db.Update either
// commits alone or aborts with ErrConflict and is retried.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (creating if necessary) the counter store at dir.
func OpenBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger counter store: %w", err)
	}
	return &Badger{db: db}, nil
}

// Close releases the underlying store. Required before another process can
// open the same directory.
func (b *Badger) Close() error {
	return b.db.Close()
}

// Increment adds delta to key and returns the new value.
func (b *Badger) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	var out int64
	err := b.update(ctx, func(txn *badger.Txn) error {
		cur, err := readInt64(txn, key)
		if err != nil {
			return err
		}
		out = cur + delta
		return txn.Set([]byte(key), encodeInt64(out))
	})
	if err != nil {
		return 0, err
	}
	return out, nil
}

// CompareAndSwap sets key to next only if its current value is expected.
func (b *Badger) CompareAndSwap(ctx context.Context, key string, expected, next int64) (bool, error) {
	var swapped bool
	err := b.update(ctx, func(txn *badger.Txn) error {
		cur, err := readInt64(txn, key)
		if err != nil {
			return err
		}
		if cur != expected {
			swapped = false
			return nil
		}
		swapped = true
		return txn.Set([]byte(key), encodeInt64(next))
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
// A conflict means another transaction committed in the meantime, so the
// system as a whole is always making progress; only the context bounds the
// loop.
func (b *Badger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// readInt64 loads the current value of key, treating a missing key as zero.
func readInt64(txn *badger.Txn, key string) (int64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("counter key %q holds %d bytes, want 8", key, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}
