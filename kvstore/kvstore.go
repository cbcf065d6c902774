// Package kvstore is the persisted-state collaborator: reboot
// counters, network key material, and device configuration live in a
// key-value store behind the Store interface. An in-memory
// implementation serves tests and diskless deployments; the JetStream
// implementation persists through a NATS cluster.
package kvstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/emberline/nodecore/errors"
	"github.com/emberline/nodecore/pkg/retry"
)

// Entry is a stored value and the revision for CAS updates.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is the key-value contract. Missing keys report ErrNoData;
// revision conflicts report ErrTryAgain.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Update is a compare-and-swap against the given revision.
	// Revision zero creates the key and fails if it exists.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// UpdateWithRetry reads the current value, applies fn, and writes the
// result under CAS, retrying with backoff on revision conflicts. fn
// receives nil when the key does not exist yet.
func UpdateWithRetry(ctx context.Context, store Store, key string,
	fn func(current []byte) ([]byte, error)) error {

	cfg := retry.Config{
		MaxAttempts:  10,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	return retry.Do(ctx, cfg, func() error {
		var current []byte
		var revision uint64

		entry, err := store.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case stderrors.Is(err, errors.ErrNoData):
		default:
			return retry.NonRetryable(err)
		}

		next, err := fn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if _, err := store.Update(ctx, key, next, revision); err != nil {
			if stderrors.Is(err, errors.ErrTryAgain) {
				return err
			}
			return retry.NonRetryable(err)
		}
		return nil
	})
}

// GetJSON unmarshals the value at key into out.
func GetJSON(ctx context.Context, store Store, key string, out any) error {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return errors.WrapInvalid(err, "kvstore", "GetJSON", "value decode")
	}
	return nil
}

// PutJSON marshals v and stores it at key.
func PutJSON(ctx context.Context, store Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapInvalid(err, "kvstore", "PutJSON", "value encode")
	}
	_, err = store.Put(ctx, key, data)
	return err
}
