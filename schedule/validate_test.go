package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/nodecore/errors"
)

func TestValidateTable(t *testing.T) {
	valid := Entry{Periodicity: PeriodicityFixed, PeriodS: 300}

	tests := []struct {
		name    string
		mutate  func(*Entry)
		wantErr bool
	}{
		{"fixed ok", func(*Entry) {}, false},
		{"validity out of range", func(e *Entry) { e.Validity = ValidityInactive + 1 }, true},
		{"unknown periodicity", func(e *Entry) { e.Periodicity = PeriodicityAfter + 1 }, true},
		{"fixed period zero", func(e *Entry) { e.PeriodS = 0 }, true},
		{"lockout zero", func(e *Entry) {
			e.Periodicity = PeriodicityLockout
			e.LockoutS = 0
		}, true},
		{"lockout only ignore-first bit", func(e *Entry) {
			e.Periodicity = PeriodicityLockout
			e.LockoutS = LockoutIgnoreFirst
		}, true},
		{"lockout ok", func(e *Entry) {
			e.Periodicity = PeriodicityLockout
			e.LockoutS = 60 | LockoutIgnoreFirst
		}, false},
		{"battery endpoints inverted", func(e *Entry) {
			e.Periodicity = PeriodicityLockoutBattery
			e.BatteryMin, e.BatteryMax = 80, 20
			e.LockoutLowS, e.LockoutHighS = 600, 60
		}, true},
		{"battery endpoints equal", func(e *Entry) {
			e.Periodicity = PeriodicityLockoutBattery
			e.BatteryMin, e.BatteryMax = 50, 50
			e.LockoutLowS, e.LockoutHighS = 600, 60
		}, true},
		{"battery lockout endpoint zero", func(e *Entry) {
			e.Periodicity = PeriodicityLockoutBattery
			e.BatteryMin, e.BatteryMax = 20, 80
			e.LockoutLowS, e.LockoutHighS = 600, 0
		}, true},
		{"battery endpoint above 100", func(e *Entry) {
			e.Periodicity = PeriodicityLockoutBattery
			e.BatteryMin, e.BatteryMax = 20, 101
			e.LockoutLowS, e.LockoutHighS = 600, 60
		}, true},
		{"battery lockout ok", func(e *Entry) {
			e.Periodicity = PeriodicityLockoutBattery
			e.BatteryMin, e.BatteryMax = 20, 80
			e.LockoutLowS, e.LockoutHighS = 600, 60
		}, false},
		{"start window bound above 100", func(e *Entry) { e.BatteryStart = Window{Lower: 10, Upper: 101} }, true},
		{"start window not increasing", func(e *Entry) { e.BatteryStart = Window{Lower: 50, Upper: 50} }, true},
		{"start window ok", func(e *Entry) { e.BatteryStart = Window{Lower: 20, Upper: 90} }, false},
		{"terminate window not increasing", func(e *Entry) { e.BatteryTerminate = Window{Lower: 90, Upper: 20} }, true},
		{"zero windows ok", func(e *Entry) {
			e.BatteryStart = Window{}
			e.BatteryTerminate = Window{}
		}, false},
		{"too many predicate operands", func(e *Entry) {
			e.StartStates = StatesPredicate{States: []uint8{1, 2, 3, 4, 5}}
		}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := valid
			tc.mutate(&e)
			err := Validate([]Entry{e}, 0)
			if tc.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAfterLinks(t *testing.T) {
	base := Entry{Periodicity: PeriodicityFixed, PeriodS: 60}

	// Missing link.
	after := Entry{Periodicity: PeriodicityAfter, PeriodS: 30, After: NoLink}
	assert.Error(t, Validate([]Entry{base, after}, 1))

	// Self link.
	after.After = 1
	assert.Error(t, Validate([]Entry{base, after}, 1))

	// Out of range.
	after.After = 2
	assert.Error(t, Validate([]Entry{base, after}, 1))

	// Valid link resolves into runtime state.
	after.After = 0
	st, err := ValidateTable([]Entry{base, after})
	require.NoError(t, err)
	assert.Equal(t, NoLink, st[0].Linked)
	assert.Equal(t, 0, st[1].Linked)
}
