package kvstore

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/emberline/nodecore/errors"
)

// JetStreamOptions configures the NATS-backed store.
type JetStreamOptions struct {
	Timeout      time.Duration // per-operation timeout
	MaxValueSize int           // reject values larger than this (0 disables)
}

// DefaultJetStreamOptions returns the defaults used in deployments.
func DefaultJetStreamOptions() JetStreamOptions {
	return JetStreamOptions{
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024,
	}
}

// JetStream persists entries in a NATS JetStream KV bucket. It maps
// bucket errors onto the Store contract: missing key reports ErrNoData,
// create/update conflicts report ErrTryAgain.
type JetStream struct {
	bucket  jetstream.KeyValue
	options JetStreamOptions
	logger  *slog.Logger
}

// NewJetStream wraps an existing KV bucket.
func NewJetStream(bucket jetstream.KeyValue, opts ...func(*JetStreamOptions)) *JetStream {
	options := DefaultJetStreamOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &JetStream{
		bucket:  bucket,
		options: options,
		logger:  slog.Default().With("component", "kvstore"),
	}
}

// WithJetStreamLogger overrides the default logger.
func (j *JetStream) WithLogger(logger *slog.Logger) *JetStream {
	j.logger = logger.With("component", "kvstore")
	return j
}

func (j *JetStream) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.options.Timeout > 0 {
		return context.WithTimeout(ctx, j.options.Timeout)
	}
	return ctx, func() {}
}

func (j *JetStream) Get(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := j.applyTimeout(ctx)
	defer cancel()

	entry, err := j.bucket.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.WrapTransient(errors.ErrNoData, "kvstore", "Get", "lookup "+key)
		}
		return nil, errors.WrapTransient(err, "kvstore", "Get", "bucket get "+key)
	}

	return &Entry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

func (j *JetStream) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := j.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := j.applyTimeout(ctx)
	defer cancel()

	rev, err := j.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "kvstore", "Put", "bucket put "+key)
	}
	j.logger.Debug("kv put", "key", key, "revision", rev)
	return rev, nil
}

func (j *JetStream) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := j.checkSize(value); err != nil {
		return 0, err
	}
	ctx, cancel := j.applyTimeout(ctx)
	defer cancel()

	var rev uint64
	var err error
	if revision == 0 {
		rev, err = j.bucket.Create(ctx, key, value)
	} else {
		rev, err = j.bucket.Update(ctx, key, value, revision)
	}
	if err != nil {
		if isConflict(err) {
			return 0, errors.WrapTransient(errors.ErrTryAgain, "kvstore", "Update", "revision check for "+key)
		}
		return 0, errors.WrapTransient(err, "kvstore", "Update", "bucket update "+key)
	}
	j.logger.Debug("kv update", "key", key, "old_revision", revision, "new_revision", rev)
	return rev, nil
}

func (j *JetStream) Delete(ctx context.Context, key string) error {
	ctx, cancel := j.applyTimeout(ctx)
	defer cancel()

	if err := j.bucket.Delete(ctx, key); err != nil {
		if isNotFound(err) {
			return errors.WrapTransient(errors.ErrNoData, "kvstore", "Delete", "lookup "+key)
		}
		return errors.WrapTransient(err, "kvstore", "Delete", "bucket delete "+key)
	}
	return nil
}

func (j *JetStream) checkSize(value []byte) error {
	if j.options.MaxValueSize > 0 && len(value) > j.options.MaxValueSize {
		return errors.WrapInvalid(errors.ErrInvalidArgument, "kvstore", "checkSize", "value size limit")
	}
	return nil
}

// isNotFound matches both typed and raw NATS not-found errors. Raw
// string checks cover older server responses that arrive untyped.
func isNotFound(err error) bool {
	if stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isConflict matches key-exists and wrong-revision errors.
func isConflict(err error) bool {
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
