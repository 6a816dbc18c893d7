// Package deferral computes the UTC instant at which a local-time-of-day
// target should fire, correcting for DST shifts between the naive guess
// and the zone's real offset.
package deferral

import (
	"time"

	"cadence/internal/engine/tz"
)

// maxIterations bounds the offset-correction loop. A DST transition is a
// single jump plus one correction pass; 4 covers every real-world
// offset combination with margin.
const maxIterations = 4

// Request describes one fire-time computation. Stateless input.
type Request struct {
	// Zone is an IANA timezone name; unknown names resolve as UTC.
	Zone string
	// BaseDate is the target local calendar date.
	BaseDate tz.Date
	// PreferredHour is the target local hour, 0..23.
	PreferredHour int
	// Now is the caller's current instant.
	Now time.Time
}

// FireAt returns the UTC instant at which the request should fire.
// The result is always >= req.Now:
//   - a base date already past in the zone is advanced to the local today
//   - a preferred hour already reached today fires immediately
//   - any residual clock/DST anomaly is clamped to Now
func FireAt(r *tz.Resolver, req Request) time.Time {
	loc := r.Location(req.Zone)
	now := req.Now

	hour := req.PreferredHour
	if hour < 0 {
		hour = 0
	} else if hour > 23 {
		hour = 23
	}

	local := tz.PointIn(now, loc)
	today := tz.Date{Year: local.Year, Month: local.Month, Day: local.Day}

	base := req.BaseDate
	if base.IsZero() || base.Before(today) {
		// Never schedule onto a past date.
		base = today
	}
	if base == today && local.Hour >= hour {
		// Send-now fallback rather than waiting a full day.
		return now.UTC()
	}

	at := fireInstant(base, hour, loc)
	if at.Before(now) {
		return now.UTC()
	}
	return at
}

// fireInstant converts (date, hour) in loc to a UTC instant by iterating
// toward the fixed point where the guess actually represents the
// intended local time. The initial guess reads the target wall time as
// if it were UTC; each pass shifts by the observed discrepancy.
func fireInstant(date tz.Date, hour int, loc *time.Location) time.Time {
	intended := time.Date(date.Year, time.Month(date.Month), date.Day, hour, 0, 0, 0, time.UTC)
	guess := intended

	for i := 0; i < maxIterations; i++ {
		rep := tz.PointIn(guess, loc)
		represented := time.Date(rep.Year, time.Month(rep.Month), rep.Day, rep.Hour, guess.In(loc).Minute(), guess.In(loc).Second(), 0, time.UTC)
		diff := intended.Sub(represented)
		if diff == 0 {
			break
		}
		guess = guess.Add(diff)
	}
	return guess.UTC()
}
