// Package appstate implements the process-wide application state registry:
// a bitset of up to 256 named states with optional per-state countdowns
// driven by the global one-second tick.
//
// The registry is shared across goroutines. Mutation takes an internal
// lock; readers use atomic loads on the underlying bitset. Countdown
// decrement uses snapshot semantics: Tick only clears states the caller
// observed set at the prior Snapshot, which avoids racing against
// concurrent Set/Clear without locking the read path.
package appstate

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emberline/nodecore/errors"
)

// NumStates is the number of addressable application states.
const NumStates = 256

// MaxTimeouts bounds the number of concurrently timed states. A
// SetTimeout call past this limit is silently ignored and the state bit
// is not set.
const MaxTimeouts = 8

// Well-known application states. Values above DeviceStateBase are free
// for application definition.
const (
	// Rebooting is raised to request a reboot. The scheduler refuses to
	// start new tasks and terminates running ones while it is set.
	Rebooting uint8 = 0
	// ApplicationActive gates schedules whose validity is Active or
	// Inactive.
	ApplicationActive uint8 = 1
	// TimeKnown is set once a trusted epoch time reference exists.
	TimeKnown uint8 = 2
	// DeviceStateBase is the first identifier free for application use.
	DeviceStateBase uint8 = 32
)

const snapshotWords = NumStates / 64

// Snapshot captures the registry bit pattern at one observation point.
// Observers own their snapshot buffers; the registry never retains them.
type Snapshot [snapshotWords]uint64

// Get reports whether state id was set in the snapshot.
func (s *Snapshot) Get(id uint8) bool {
	return s[id/64]&(1<<(id%64)) != 0
}

// Observer receives state transition notifications. Handlers run outside
// the registry lock and must not block.
type Observer interface {
	// StateSet is invoked on every Set or SetTimeout. timeout is the
	// countdown in seconds, zero when none was requested.
	StateSet(id uint8, wasAlready bool, timeout uint32)
	// StateCleared is invoked when a set state becomes clear.
	StateCleared(id uint8)
}

type timedState struct {
	id        uint8
	active    bool
	remaining uint32
}

// Registry is the application state registry. The zero value is not
// usable; construct with New.
type Registry struct {
	mu        sync.Mutex
	bits      [snapshotWords]atomic.Uint64
	timeouts  [MaxTimeouts]timedState
	observers []Observer
	logger    *slog.Logger
}

// New creates an empty state registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Get reports whether state id is currently set.
func (r *Registry) Get(id uint8) bool {
	return r.bits[id/64].Load()&(1<<(id%64)) != 0
}

// Snapshot captures the current bit pattern into buf.
func (r *Registry) Snapshot(buf *Snapshot) {
	for i := range buf {
		buf[i] = r.bits[i].Load()
	}
}

func (r *Registry) setBit(id uint8) bool {
	mask := uint64(1) << (id % 64)
	prev := r.bits[id/64].Or(mask)
	return prev&mask != 0
}

func (r *Registry) clearBit(id uint8) bool {
	mask := uint64(1) << (id % 64)
	prev := r.bits[id/64].And(^mask)
	return prev&mask != 0
}

// dropTimeoutLocked removes any countdown for id. Caller holds r.mu.
func (r *Registry) dropTimeoutLocked(id uint8) {
	for i := range r.timeouts {
		if r.timeouts[i].active && r.timeouts[i].id == id {
			r.timeouts[i].active = false
			return
		}
	}
}

func (r *Registry) observersCopy() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.observers) == 0 {
		return nil
	}
	out := make([]Observer, len(r.observers))
	copy(out, r.observers)
	return out
}

func (r *Registry) notifySet(id uint8, wasAlready bool, timeout uint32) {
	for _, obs := range r.observersCopy() {
		obs.StateSet(id, wasAlready, timeout)
	}
}

func (r *Registry) notifyCleared(id uint8) {
	for _, obs := range r.observersCopy() {
		obs.StateCleared(id)
	}
}

// Set sets state id and removes any active countdown on it. It returns
// whether the state was already set.
func (r *Registry) Set(id uint8) bool {
	r.mu.Lock()
	r.dropTimeoutLocked(id)
	wasAlready := r.setBit(id)
	r.mu.Unlock()

	r.notifySet(id, wasAlready, 0)
	return wasAlready
}

// Clear clears state id and removes any active countdown on it. It
// returns whether the state was set.
func (r *Registry) Clear(id uint8) bool {
	r.mu.Lock()
	r.dropTimeoutLocked(id)
	wasSet := r.clearBit(id)
	r.mu.Unlock()

	if wasSet {
		r.notifyCleared(id)
	}
	return wasSet
}

// SetTo sets or clears state id according to value.
func (r *Registry) SetTo(id uint8, value bool) {
	if value {
		r.Set(id)
	} else {
		r.Clear(id)
	}
}

// SetTimeout sets state id with a countdown of the given seconds,
// updating any existing countdown. seconds == 0 clears the state. When
// no countdown slot is free the call is silently ignored and the state
// bit is not set. Returns whether the state was already set.
func (r *Registry) SetTimeout(id uint8, seconds uint32) bool {
	if seconds == 0 {
		return r.Clear(id)
	}

	r.mu.Lock()

	slot := -1
	for i := range r.timeouts {
		if r.timeouts[i].active && r.timeouts[i].id == id {
			slot = i
			break
		}
		if slot < 0 && !r.timeouts[i].active {
			slot = i
		}
	}
	if slot < 0 {
		wasAlready := r.Get(id)
		r.mu.Unlock()
		r.logger.Warn("state timeout slots exhausted", "state", id, "max", MaxTimeouts)
		return wasAlready
	}

	r.timeouts[slot] = timedState{id: id, active: true, remaining: seconds}
	wasAlready := r.setBit(id)
	r.mu.Unlock()

	r.notifySet(id, wasAlready, seconds)
	return wasAlready
}

// Timeout returns the seconds remaining on the countdown for state id.
// It fails with ErrNoData when no timed entry exists.
func (r *Registry) Timeout(id uint8) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.timeouts {
		if r.timeouts[i].active && r.timeouts[i].id == id {
			return r.timeouts[i].remaining, nil
		}
	}
	return 0, errors.ErrNoData
}

// Tick decrements every active countdown by one second. A state whose
// countdown reaches zero is cleared only if snap shows it was set at the
// prior observation; otherwise the countdown is dropped silently.
func (r *Registry) Tick(snap *Snapshot) {
	var expired []uint8

	r.mu.Lock()
	for i := range r.timeouts {
		if !r.timeouts[i].active {
			continue
		}
		r.timeouts[i].remaining--
		if r.timeouts[i].remaining > 0 {
			continue
		}
		id := r.timeouts[i].id
		r.timeouts[i].active = false
		if snap.Get(id) {
			if r.clearBit(id) {
				expired = append(expired, id)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.notifyCleared(id)
	}
}

// RegisterCallback adds an observer for state transitions.
func (r *Registry) RegisterCallback(obs Observer) {
	if obs == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// UnregisterCallback removes a previously registered observer.
func (r *Registry) UnregisterCallback(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.observers {
		if o == obs {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}
