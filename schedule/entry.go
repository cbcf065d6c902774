// Package schedule decides when tasks run. A Schedule table of
// declarative entries is validated once at load, then iterated at a
// one-second cadence: each entry's start and terminate predicates are
// evaluated against application state bits, uptime, epoch time, and
// battery state of charge, and matching tasks are raised on a thread
// (goroutine) or deferred-work executor.
package schedule

// Validity restricts an entry to an application activity phase.
type Validity uint8

const (
	// ValidityAlways runs regardless of the application-active bit.
	ValidityAlways Validity = iota
	// ValidityActive runs only while the application is active.
	ValidityActive
	// ValidityInactive runs only while the application is inactive.
	ValidityInactive
)

// Periodicity selects the trigger variant of an entry.
type Periodicity uint8

const (
	// PeriodicityFixed triggers when epoch seconds divide PeriodS.
	PeriodicityFixed Periodicity = iota
	// PeriodicityLockout triggers once LockoutS seconds have passed
	// since the entry last started.
	PeriodicityLockout
	// PeriodicityLockoutBattery is a lockout whose value is linearly
	// interpolated from the battery state of charge between
	// (BatteryMin, LockoutLowS) and (BatteryMax, LockoutHighS).
	PeriodicityLockoutBattery
	// PeriodicityAfter triggers PeriodS seconds after the linked
	// entry last terminated.
	PeriodicityAfter
)

// LockoutIgnoreFirst is a flag in the top bit of a lockout seconds
// value, not magnitude: when set, the first evaluation after boot
// passes the lockout regardless, so long as uptime is nonzero. The
// effective lockout masks this bit off.
const LockoutIgnoreFirst uint32 = 1 << 31

// NoLink marks an entry without an after-link.
const NoLink = -1

// MaxPredicateStates is the number of state operands a predicate's
// packed metadata byte can describe.
const MaxPredicateStates = 4

// Window is an inclusive battery state-of-charge band in percent.
// A zero window is disabled.
type Window struct {
	Lower uint8
	Upper uint8
}

// IsZero reports whether the window is disabled.
func (w Window) IsZero() bool { return w.Lower == 0 && w.Upper == 0 }

// Contains reports whether soc falls inside the band.
func (w Window) Contains(soc uint8) bool { return soc >= w.Lower && soc <= w.Upper }

// StatesPredicate tests up to four application states. Bit i of the
// metadata low nibble inverts the i-th test; bit i+4 joins the i-th
// operand with OR instead of AND.
type StatesPredicate struct {
	States []uint8
	Meta   uint8
}

// Dest is the logging destination bitmask an entry hands to its task;
// values match the tdf logger destinations.
type Dest uint8

// Entry is one immutable schedule table row.
type Entry struct {
	// TaskID names the task this entry raises.
	TaskID uint8

	Validity    Validity
	Periodicity Periodicity

	// PeriodS is the fixed-epoch period, or the delay after the
	// linked entry's termination for PeriodicityAfter.
	PeriodS uint32
	// LockoutS is the plain lockout value; the top bit is
	// LockoutIgnoreFirst.
	LockoutS uint32

	// Battery-interpolated lockout endpoints. LockoutLowS applies at
	// or below BatteryMin, LockoutHighS at or above BatteryMax; the
	// top bit of LockoutLowS is LockoutIgnoreFirst.
	BatteryMin   uint8
	BatteryMax   uint8
	LockoutLowS  uint32
	LockoutHighS uint32

	// After is the table index of the linked entry for
	// PeriodicityAfter; NoLink otherwise.
	After int

	BatteryStart     Window
	BatteryTerminate Window

	StartStates     StatesPredicate
	TerminateStates StatesPredicate

	// TimeoutS caps accumulated runtime; zero means unbounded.
	TimeoutS uint32
	// BootLockoutMin suppresses starts during the first minutes of
	// uptime.
	BootLockoutMin uint32
	// StatesStartTimeout2xS overrides a failing start predicate once
	// this many half-seconds have elapsed since the last run. The
	// half-second encoding is inherited from the wire format the
	// tables are provisioned in; the effective value is seconds*2.
	StatesStartTimeout2xS uint16

	// Args is the task-specific argument union.
	Args any
	// LogDest routes the task's TDF output.
	LogDest Dest
}

// State is the runtime companion of one Entry.
type State struct {
	// LastRunS is the uptime second the entry last started; zero
	// means never.
	LastRunS uint64
	// LastTerminateS is the uptime second the entry last terminated.
	LastTerminateS uint64
	// AccumulatedRuntimeS counts whole seconds spent running.
	AccumulatedRuntimeS uint64
	// Linked is the resolved after-link index, NoLink when absent.
	Linked int
	// Running marks an active executor.
	Running bool
}

// Environment is the sampled world the predicates evaluate against.
type Environment struct {
	// UptimeS is seconds since boot.
	UptimeS uint64
	// EpochS is seconds since the epoch; zero while time is unknown.
	EpochS uint64
	// BatterySoC is the battery state of charge in percent.
	BatterySoC uint8
}

// StateSource reads application state bits. *appstate.Registry
// satisfies it.
type StateSource interface {
	Get(id uint8) bool
}

// EnvironmentProvider samples the environment once per scheduler
// iteration.
type EnvironmentProvider interface {
	Environment() Environment
}
