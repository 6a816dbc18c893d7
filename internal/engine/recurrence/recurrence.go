package recurrence

import (
	"sort"
	"strings"
	"time"
)

// Mask encodes the weekdays a recurring goal is active on.
//
// Bit 0 is Sunday through bit 6 Saturday. This numbering is fixed by the
// engine (it happens to coincide with time.Weekday, which we rely on in
// dayIndex). Valid persisted values are 1..127; a nil *Mask means
// "every day". A mask of 0 would mean "active on no day" and must be
// rejected at the storage/API boundary before reaching this package.
type Mask uint8

const (
	// EveryDay has all seven bits set. Equivalent to an absent mask.
	EveryDay Mask = 0x7F
	// Weekdays is Mon..Fri.
	Weekdays Mask = 0x3E
	// Weekends is Sat+Sun.
	Weekends Mask = 0x41
)

var dayAbbrev = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Valid reports whether m is a well-formed persisted mask.
func (m Mask) Valid() bool { return m >= 1 && m <= EveryDay }

func dayIndex(d time.Time) int { return int(d.Weekday()) }

// IsActive reports whether the goal is active on d's weekday.
// A nil mask is active every day.
func IsActive(m *Mask, d time.Time) bool {
	if m == nil {
		return true
	}
	return *m&(1<<dayIndex(d)) != 0
}

// ActiveCount returns how many weekdays the mask covers (7 for nil).
func ActiveCount(m *Mask) int {
	if m == nil {
		return 7
	}
	n := 0
	for i := 0; i < 7; i++ {
		if *m&(1<<i) != 0 {
			n++
		}
	}
	return n
}

// ActiveCountInRange counts active days in the inclusive calendar range
// [start, end]. Only the calendar dates of start and end matter, in
// whatever location they carry. start after end yields 0.
func ActiveCountInRange(m *Mask, start, end time.Time) int {
	sd := civilDay(start)
	ed := civilDay(end)
	if sd > ed {
		return 0
	}
	span := int(ed-sd) + 1
	if m == nil {
		return span
	}
	n := 0
	w := dayIndex(start)
	for i := 0; i < span; i++ {
		if *m&(1<<w) != 0 {
			n++
		}
		w = (w + 1) % 7
	}
	return n
}

// civilDay is the number of days since the Unix epoch for t's calendar
// date. Going through time.Date in UTC keeps DST out of the arithmetic.
func civilDay(t time.Time) int64 {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

// DayIndices expands the mask into sorted weekday indices (0=Sun..6=Sat).
// A nil mask expands to all seven days.
func DayIndices(m *Mask) []int {
	out := make([]int, 0, 7)
	for i := 0; i < 7; i++ {
		if m == nil || *m&(1<<i) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// FromDayIndices builds a mask from weekday indices. Out-of-range
// indices are ignored; duplicates are harmless.
func FromDayIndices(indices []int) Mask {
	var m Mask
	for _, i := range indices {
		if i >= 0 && i <= 6 {
			m |= 1 << i
		}
	}
	return m
}

// Label renders a human description of the mask.
func Label(m *Mask) string {
	if m == nil || *m == EveryDay {
		return "Every day"
	}
	switch *m {
	case Weekdays:
		return "Weekdays only"
	case Weekends:
		return "Weekends only"
	}
	idx := DayIndices(m)
	sort.Ints(idx)
	names := make([]string, 0, len(idx))
	for _, i := range idx {
		names = append(names, dayAbbrev[i])
	}
	return strings.Join(names, ", ")
}
