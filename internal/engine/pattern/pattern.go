// Package pattern derives a goal's typical logging window from its
// historical log hours.
//
// Samples must already be resolved into the user's *current* timezone by
// the caller; a pattern is timezone-relative to the most recently
// supplied zone, not historically fixed. The whole pattern is recomputed
// wholesale on every call, never patched incrementally.
package pattern

import (
	"fmt"
	"math"
	"sort"
	"time"

	"cadence/internal/engine/tz"
)

// MinSamples is the floor below which no pattern is inferred. Below it
// the answer is "no answer yet", which callers must treat as distinct
// from a low-confidence answer.
const MinSamples = 5

// Sample is one historical log, resolved to a local calendar date+hour.
type Sample struct {
	Date tz.Date
	Hour int // 0..23
}

// Pattern is a goal's typical logging window. Derived state: recomputed
// from the full log history on each inference call.
type Pattern struct {
	HourStart    int       `json:"hour_start"`
	HourEnd      int       `json:"hour_end"`
	SampleSize   int       `json:"sample_size"`
	Confidence   float64   `json:"confidence"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// Infer computes the typical hour window and a confidence score from the
// full sample set. With fewer than MinSamples entries it returns
// (nil, reason) where reason is a non-empty insufficient-data message.
//
// The window is a percentile-trimmed hour range (P10..P90 once there are
// at least 10 samples, min..max below that) so single outlier logs don't
// stretch it. Confidence grows with sample count and shrinks with
// hour-of-day spread; it is always in [0,1]. The exact curve is a policy
// choice; only monotonicity and boundedness are contractual.
func Infer(samples []Sample, now time.Time) (*Pattern, string) {
	if len(samples) < MinSamples {
		return nil, fmt.Sprintf("insufficient data: need at least %d logged entries, have %d", MinSamples, len(samples))
	}

	hours := make([]int, 0, len(samples))
	for _, s := range samples {
		h := s.Hour
		if h < 0 {
			h = 0
		} else if h > 23 {
			h = 23
		}
		hours = append(hours, h)
	}
	sort.Ints(hours)

	trimmed := hours
	if len(hours) >= 10 {
		lo := len(hours) / 10
		hi := len(hours) - lo
		trimmed = hours[lo:hi]
	}

	p := &Pattern{
		HourStart:    trimmed[0],
		HourEnd:      trimmed[len(trimmed)-1],
		SampleSize:   len(samples),
		Confidence:   confidence(len(samples), trimmed),
		CalculatedAt: now.UTC(),
	}
	return p, ""
}

// confidence = size factor x clustering factor, clamped to [0,1].
// The size factor 1-1/sqrt(n) starts at ~0.55 for the minimum sample
// count and approaches 1; the clustering factor 1/(1+stddev) is 1 for
// identical hours and decays with spread.
func confidence(n int, trimmed []int) float64 {
	size := 1 - 1/math.Sqrt(float64(n))
	cluster := 1 / (1 + stddev(trimmed))
	c := size * cluster
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func stddev(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := float64(x) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
