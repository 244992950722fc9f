package review

import (
	"math"
	"time"
)

const (
	// minEaseFactor is the floor below which the ease factor never drops.
	minEaseFactor = 1.3
	// minIntervalDays is the floor for the review interval.
	minIntervalDays = 1

	defaultEaseFactor  = 2.5
	secondIntervalDays = 6
)

// ScheduleState holds the spaced-repetition state of a single card.
type ScheduleState struct {
	IntervalDays int
	EaseFactor   float64
	Repetitions  int
	NextDue      time.Time
}

// NewScheduleState returns the state assigned to a freshly created card:
// due immediately, one-day interval, default ease.
func NewScheduleState(today time.Time) ScheduleState {
	return ScheduleState{
		IntervalDays: minIntervalDays,
		EaseFactor:   defaultEaseFactor,
		Repetitions:  0,
		NextDue:      DateOnly(today),
	}
}

// DateOnly truncates a timestamp to its UTC calendar date. Due dates are
// whole days; two reviews on the same day compare equal.
func DateOnly(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Compute applies one graded review to the schedule state. Pure: no I/O,
// no clock reads, deterministic for a given (state, grade, today).
//
// GradeAgain resets the repetition streak and the interval. Successful
// grades walk the 1-day, 6-day, then interval*ease progression. The ease
// factor moves by the grade's delta and never drops below 1.3. Stored
// state is clamped on entry as well, since rows may have been hand-edited.
func Compute(state ScheduleState, grade Grade, today time.Time) ScheduleState {
	interval := state.IntervalDays
	if interval < minIntervalDays {
		interval = minIntervalDays
	}
	ease := state.EaseFactor
	if ease < minEaseFactor {
		ease = minEaseFactor
	}
	repetitions := state.Repetitions
	if repetitions < 0 {
		repetitions = 0
	}

	if grade == GradeAgain {
		repetitions = 0
		interval = minIntervalDays
	} else {
		repetitions++
		switch repetitions {
		case 1:
			interval = minIntervalDays
		case 2:
			interval = secondIntervalDays
		default:
			interval = int(math.Round(float64(interval) * ease))
			if interval < minIntervalDays {
				interval = minIntervalDays
			}
		}
	}

	ease += grade.EaseDelta()
	if ease < minEaseFactor {
		ease = minEaseFactor
	}

	return ScheduleState{
		IntervalDays: interval,
		EaseFactor:   ease,
		Repetitions:  repetitions,
		NextDue:      DateOnly(today).AddDate(0, 0, interval),
	}
}
