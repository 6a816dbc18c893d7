// Package tz resolves instants to local calendar points in named
// timezones, with a deliberate UTC fallback for unknown zone names:
// scheduling decisions must stay total functions even on bad input.
// Callers that need strict validation check IsValid first.
package tz

import (
	"fmt"
	"sync"
	"time"
)

// The extreme zones bound global activation windows: nowhere on earth is
// the local date ahead of UTC+14 (Line Islands) or behind UTC-12 (Baker
// Island). FixedZone avoids a tzdata dependency for these two.
var (
	Earliest = time.FixedZone("UTC+14", 14*3600)
	Latest   = time.FixedZone("UTC-12", -12*3600)
)

// CalendarPoint is an instant decomposed into local calendar fields.
// Ephemeral: recomputed on demand, never persisted.
type CalendarPoint struct {
	Year  int
	Month int
	Day   int
	Hour  int // 0..23
}

// Date is a calendar date with no time component.
type Date struct {
	Year  int
	Month int
	Day   int
}

// ParseDate parses "YYYY-MM-DD".
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("tz: invalid date %q: %w", s, err)
	}
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}, nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// Before reports whether d sorts before o.
func (d Date) Before(o Date) bool {
	if d.Year != o.Year {
		return d.Year < o.Year
	}
	if d.Month != o.Month {
		return d.Month < o.Month
	}
	return d.Day < o.Day
}

func (d Date) After(o Date) bool { return o.Before(d) }

// AddDays returns the date n calendar days later (negative n is earlier).
func (d Date) AddDays(n int) Date {
	t := time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return Date{Year: t.Year(), Month: int(t.Month()), Day: t.Day()}
}

// Weekday returns the weekday index (0=Sun..6=Sat) of the date.
func (d Date) Weekday() int {
	return int(time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC).Weekday())
}

// Midnight returns 00:00 of the date in loc.
func (d Date) Midnight(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, loc)
}

// Resolver caches named locations. It replaces a process-wide lookup
// cache with an explicitly passed object: construct one at startup and
// hand it to whatever needs local-time decomposition.
//
// The zero value is not usable; call NewResolver.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]*time.Location
}

func NewResolver() *Resolver {
	return &Resolver{cache: map[string]*time.Location{}}
}

// Location resolves name, falling back to UTC when the name is empty or
// unknown. It never returns nil.
func (r *Resolver) Location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	r.mu.Lock()
	loc, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	r.mu.Lock()
	r.cache[name] = loc
	r.mu.Unlock()
	return loc
}

// IsValid reports whether name resolves to a known timezone.
func (r *Resolver) IsValid(name string) bool {
	if name == "" {
		return false
	}
	if name == "UTC" {
		return true
	}
	r.mu.Lock()
	loc, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		// Cached UTC fallback for a non-"UTC" name means the lookup failed.
		return loc != time.UTC
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// LocalDate formats t's calendar date in the named zone as "YYYY-MM-DD".
// Unknown zones silently resolve as UTC.
func (r *Resolver) LocalDate(t time.Time, name string) string {
	return r.Date(t, name).String()
}

// Date returns t's calendar date in the named zone.
func (r *Resolver) Date(t time.Time, name string) Date {
	return DateIn(t, r.Location(name))
}

// Point decomposes t into a local calendar point in the named zone.
func (r *Resolver) Point(t time.Time, name string) CalendarPoint {
	return PointIn(t, r.Location(name))
}

// DateIn returns t's calendar date in loc (UTC when loc is nil).
func DateIn(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, mo, d := t.In(loc).Date()
	return Date{Year: y, Month: int(mo), Day: d}
}

// PointIn decomposes t in loc (UTC when loc is nil).
func PointIn(t time.Time, loc *time.Location) CalendarPoint {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, mo, d := lt.Date()
	return CalendarPoint{Year: y, Month: int(mo), Day: d, Hour: lt.Hour()}
}
