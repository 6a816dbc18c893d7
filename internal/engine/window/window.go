// Package window decides challenge lifecycle transitions against global
// date boundaries derived from the extreme timezones.
//
// A challenge has one start/end date but members anywhere on earth. The
// start boundary is the local "today" in UTC+14 (a challenge activates
// as soon as its start date has begun for the earliest-arriving users);
// the end boundary is the local "today" in UTC-12 (it completes only
// once the end date is over for even the last-arriving users). Server
// local time and UTC midnight are both wrong reference frames here.
package window

import (
	"time"

	"cadence/internal/engine/tz"
)

// Status is the lifecycle state of a challenge window.
type Status string

const (
	StatusUpcoming  Status = "upcoming"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	// StatusCancelled is set only by explicit external action and is
	// absorbing: Evaluate never enters or leaves it.
	StatusCancelled Status = "cancelled"
)

// Known reports whether s is one of the defined states.
func Known(s Status) bool {
	switch s {
	case StatusUpcoming, StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Boundaries are the global date bounds at a given instant.
type Boundaries struct {
	// Start is the local date in UTC+14: the furthest-ahead "today".
	Start tz.Date
	// End is the local date in UTC-12: the furthest-behind "today".
	End tz.Date
}

// BoundariesAt computes the global boundaries for now.
func BoundariesAt(now time.Time) Boundaries {
	return Boundaries{
		Start: tz.DateIn(now, tz.Earliest),
		End:   tz.DateIn(now, tz.Latest),
	}
}

// Evaluate returns the status the challenge should hold at now.
//
// start/end are calendar dates without a time component; nil means the
// challenge is open-ended on that side. A window with neither bound
// defaults to active. Transitions only ever move forward
// (upcoming -> active -> completed); cancelled is returned unchanged.
func Evaluate(status Status, start, end *tz.Date, now time.Time) Status {
	if status == StatusCancelled {
		return StatusCancelled
	}
	if start == nil && end == nil {
		return StatusActive
	}

	b := BoundariesAt(now)

	next := status
	if next == StatusUpcoming || next == "" {
		if start == nil || !start.After(b.Start) {
			next = StatusActive
		}
	}
	if next == StatusActive {
		if end != nil && end.Before(b.End) {
			next = StatusCompleted
		}
	}
	return next
}
