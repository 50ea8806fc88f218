// Package schedule computes how long a classroom stays in use before the
// next break long enough to power the machine down.
package schedule

import (
	"slices"
	"time"
)

// Lesson is the part of a timetable entry the gap computation needs.
type Lesson struct {
	Start time.Time
	End   time.Time
}

// Sort returns a copy of lessons ordered by start, then end.
func Sort(lessons []Lesson) []Lesson {
	out := slices.Clone(lessons)
	slices.SortStableFunc(out, func(a, b Lesson) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.End.Compare(b.End)
	})
	return out
}

// UntilBreak returns how long from now until the room reaches a gap of at
// least minGap between lessons, or the end of the last lesson. Zero means
// the room is already in such a gap: before the first lesson by at least
// minGap, inside a qualifying gap, or after the last lesson.
func UntilBreak(lessons []Lesson, minGap time.Duration, now time.Time) time.Duration {
	if len(lessons) == 0 {
		return 0
	}

	sorted := Sort(lessons)
	first, last := sorted[0], sorted[len(sorted)-1]

	// The day ends with the last lesson by (start, end), even when an
	// earlier lesson overlaps past it.
	if !last.End.After(now) {
		return 0
	}
	if first.Start.Sub(now) >= minGap {
		return 0
	}

	for i := 0; i < len(sorted)-1; i++ {
		cur, next := sorted[i], sorted[i+1]

		if !cur.End.After(now) && !next.Start.After(now) {
			continue
		}

		effectiveEnd := cur.End
		if effectiveEnd.Before(now) {
			effectiveEnd = now
		}

		if next.Start.Sub(effectiveEnd) >= minGap {
			if !cur.End.After(now) && now.Before(next.Start) {
				return 0
			}
			return effectiveEnd.Sub(now)
		}
	}

	return last.End.Sub(now)
}

// NextStart returns the earliest lesson start strictly after now.
func NextStart(lessons []Lesson, now time.Time) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, l := range lessons {
		if !l.Start.After(now) {
			continue
		}
		if !found || l.Start.Before(next) {
			next, found = l.Start, true
		}
	}
	return next, found
}

// MinGap converts the settings value in minutes, falling back to def when
// the server leaves it unset.
func MinGap(minutes int, def time.Duration) time.Duration {
	if minutes <= 0 {
		return def
	}
	return time.Duration(minutes) * time.Minute
}
