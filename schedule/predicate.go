package schedule

import "github.com/emberline/nodecore/appstate"

// Eval applies the packed predicate against live state bits. The
// accumulator seed depends on the first operand's connective so an OR
// first term cannot true-out the chain: OR seeds false, AND seeds true.
// An empty predicate yields the caller's fallthrough value.
func (p StatesPredicate) Eval(src StateSource, empty bool) bool {
	if len(p.States) == 0 {
		return empty
	}
	acc := p.Meta&(1<<4) == 0
	for i, id := range p.States {
		v := src.Get(id)
		if p.Meta&(1<<i) != 0 {
			v = !v
		}
		if p.Meta&(1<<(i+4)) != 0 {
			acc = acc || v
		} else {
			acc = acc && v
		}
	}
	return acc
}

// effectiveLockout resolves the lockout seconds for the entry, masking
// the ignore-first flag and interpolating battery-dependent values.
func effectiveLockout(e *Entry, soc uint8) (lockout uint32, ignoreFirst bool) {
	switch e.Periodicity {
	case PeriodicityLockout:
		return e.LockoutS &^ LockoutIgnoreFirst, e.LockoutS&LockoutIgnoreFirst != 0
	case PeriodicityLockoutBattery:
		ignoreFirst = e.LockoutLowS&LockoutIgnoreFirst != 0
		low := int64(e.LockoutLowS &^ LockoutIgnoreFirst)
		high := int64(e.LockoutHighS &^ LockoutIgnoreFirst)
		switch {
		case soc <= e.BatteryMin:
			return uint32(low), ignoreFirst
		case soc >= e.BatteryMax:
			return uint32(high), ignoreFirst
		default:
			span := int64(e.BatteryMax - e.BatteryMin)
			pos := int64(soc - e.BatteryMin)
			return uint32(low + (high-low)*pos/span), ignoreFirst
		}
	default:
		return 0, false
	}
}

// ShouldStart reports whether the entry is due. All conditions must
// hold: not rebooting, validity matches the application-active bit,
// boot lockout elapsed, the periodicity trigger fires, battery inside
// the start window, and the start predicate holds (or its half-second
// timeout has elapsed since the last run).
func ShouldStart(e *Entry, st *State, states []State, src StateSource, env Environment) bool {
	if src.Get(appstate.Rebooting) {
		return false
	}

	active := src.Get(appstate.ApplicationActive)
	if (e.Validity == ValidityActive && !active) || (e.Validity == ValidityInactive && active) {
		return false
	}

	if env.UptimeS/60 < uint64(e.BootLockoutMin) {
		return false
	}

	switch e.Periodicity {
	case PeriodicityFixed:
		if env.EpochS%uint64(e.PeriodS) != 0 {
			return false
		}
	case PeriodicityLockout, PeriodicityLockoutBattery:
		lockout, ignoreFirst := effectiveLockout(e, env.BatterySoC)
		firstRun := st.LastRunS == 0 && env.UptimeS > 0
		if !(ignoreFirst && firstRun) && env.UptimeS-st.LastRunS < uint64(lockout) {
			return false
		}
	case PeriodicityAfter:
		if st.Linked == NoLink || st.Linked >= len(states) {
			return false
		}
		if states[st.Linked].LastTerminateS+uint64(e.PeriodS) != env.UptimeS {
			return false
		}
	}

	if !e.BatteryStart.IsZero() && !e.BatteryStart.Contains(env.BatterySoC) {
		return false
	}

	if !e.StartStates.Eval(src, true) {
		if e.StatesStartTimeout2xS == 0 {
			return false
		}
		waited := env.UptimeS - st.LastRunS
		if waited < uint64(e.StatesStartTimeout2xS)/2 {
			return false
		}
	}

	return true
}

// ShouldTerminate reports whether a running entry must stop. Any
// condition suffices: rebooting, validity flipped, accumulated runtime
// past the timeout, battery outside the terminate window, or the
// terminate predicate holding.
func ShouldTerminate(e *Entry, st *State, src StateSource, env Environment) bool {
	if src.Get(appstate.Rebooting) {
		return true
	}

	active := src.Get(appstate.ApplicationActive)
	if (e.Validity == ValidityActive && !active) || (e.Validity == ValidityInactive && active) {
		return true
	}

	if e.TimeoutS != 0 && st.AccumulatedRuntimeS >= uint64(e.TimeoutS) {
		return true
	}

	if !e.BatteryTerminate.IsZero() && !e.BatteryTerminate.Contains(env.BatterySoC) {
		return true
	}

	return e.TerminateStates.Eval(src, false)
}
