package schedule

import (
	"fmt"

	"github.com/emberline/nodecore/errors"
)

// Validate checks one entry against its table. The index identifies
// the entry so after-links can refuse self-reference. Validation is
// total: any entry it accepts can be evaluated without further checks.
func Validate(entries []Entry, index int) error {
	if index < 0 || index >= len(entries) {
		return errors.WrapInvalid(
			fmt.Errorf("index %d outside table of %d", index, len(entries)),
			"schedule", "Validate", "entry lookup")
	}
	e := &entries[index]

	if e.Validity > ValidityInactive {
		return invalid("validity %d out of range", e.Validity)
	}

	switch e.Periodicity {
	case PeriodicityFixed:
		if e.PeriodS == 0 {
			return invalid("fixed period is zero")
		}
	case PeriodicityLockout:
		if e.LockoutS&^LockoutIgnoreFirst == 0 {
			return invalid("lockout value is zero")
		}
	case PeriodicityLockoutBattery:
		if e.BatteryMin >= e.BatteryMax {
			return invalid("battery endpoints %d..%d not increasing", e.BatteryMin, e.BatteryMax)
		}
		if e.LockoutLowS&^LockoutIgnoreFirst == 0 || e.LockoutHighS&^LockoutIgnoreFirst == 0 {
			return invalid("battery lockout endpoint is zero")
		}
		if e.BatteryMin > 100 || e.BatteryMax > 100 {
			return invalid("battery endpoint exceeds 100%%")
		}
	case PeriodicityAfter:
		if e.After == NoLink || e.After < 0 || e.After >= len(entries) {
			return invalid("after-link %d outside table of %d", e.After, len(entries))
		}
		if e.After == index {
			return invalid("after-link references itself")
		}
	default:
		return invalid("unknown periodicity %d", e.Periodicity)
	}

	for _, w := range []struct {
		name string
		win  Window
	}{
		{"start", e.BatteryStart},
		{"terminate", e.BatteryTerminate},
	} {
		if w.win.IsZero() {
			continue
		}
		if w.win.Lower > 100 || w.win.Upper > 100 {
			return invalid("battery %s window bound exceeds 100%%", w.name)
		}
		if w.win.Upper <= w.win.Lower {
			return invalid("battery %s window %d..%d not increasing", w.name, w.win.Lower, w.win.Upper)
		}
	}

	if len(e.StartStates.States) > MaxPredicateStates {
		return invalid("start predicate has %d operands, limit %d",
			len(e.StartStates.States), MaxPredicateStates)
	}
	if len(e.TerminateStates.States) > MaxPredicateStates {
		return invalid("terminate predicate has %d operands, limit %d",
			len(e.TerminateStates.States), MaxPredicateStates)
	}

	return nil
}

// ValidateTable validates every entry and resolves after-links into
// the returned runtime states.
func ValidateTable(entries []Entry) ([]State, error) {
	states := make([]State, len(entries))
	for i := range entries {
		if err := Validate(entries, i); err != nil {
			return nil, errors.Wrap(err, "schedule", "ValidateTable", fmt.Sprintf("entry %d", i))
		}
		states[i].Linked = NoLink
		if entries[i].Periodicity == PeriodicityAfter {
			states[i].Linked = entries[i].After
		}
	}
	return states, nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf(format, args...), "schedule", "Validate", "entry check")
}
