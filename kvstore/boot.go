package kvstore

import (
	"context"
	"strconv"

	"github.com/google/uuid"

	"github.com/emberline/nodecore/errors"
)

// Keys for the boot bookkeeping records.
const (
	KeyBootCount   = "boot.count"
	KeyBootSession = "boot.session"
)

// BootInfo describes the current process lifetime: how many times the
// node has started and a session ID unique to this start.
type BootInfo struct {
	Count   uint32
	Session uuid.UUID
}

// RecordBoot increments the persisted boot counter under CAS and
// stores a fresh session UUID. Called once during engine startup.
func RecordBoot(ctx context.Context, store Store) (BootInfo, error) {
	var count uint32
	err := UpdateWithRetry(ctx, store, KeyBootCount, func(current []byte) ([]byte, error) {
		count = 0
		if len(current) > 0 {
			n, err := strconv.ParseUint(string(current), 10, 32)
			if err != nil {
				return nil, errors.WrapInvalid(err, "kvstore", "RecordBoot", "counter decode")
			}
			count = uint32(n)
		}
		count++
		return []byte(strconv.FormatUint(uint64(count), 10)), nil
	})
	if err != nil {
		return BootInfo{}, errors.Wrap(err, "kvstore", "RecordBoot", "counter update")
	}

	session := uuid.New()
	if _, err := store.Put(ctx, KeyBootSession, []byte(session.String())); err != nil {
		return BootInfo{}, errors.Wrap(err, "kvstore", "RecordBoot", "session store")
	}

	return BootInfo{Count: count, Session: session}, nil
}

// LastSession returns the session UUID stored by the most recent
// RecordBoot, or ErrNoData when the node has never booted.
func LastSession(ctx context.Context, store Store) (uuid.UUID, error) {
	entry, err := store.Get(ctx, KeyBootSession)
	if err != nil {
		return uuid.Nil, err
	}
	session, err := uuid.Parse(string(entry.Value))
	if err != nil {
		return uuid.Nil, errors.WrapInvalid(err, "kvstore", "LastSession", "session decode")
	}
	return session, nil
}
