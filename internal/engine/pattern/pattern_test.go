package pattern

import (
	"testing"
	"time"

	"cadence/internal/engine/tz"
)

func sampleAt(day, hour int) Sample {
	return Sample{Date: tz.Date{Year: 2026, Month: 3, Day: day}, Hour: hour}
}

func samplesWithHours(hours ...int) []Sample {
	out := make([]Sample, 0, len(hours))
	for i, h := range hours {
		out = append(out, sampleAt(1+i%28, h))
	}
	return out
}

func TestInferInsufficientData(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	for n := 0; n < MinSamples; n++ {
		p, msg := Infer(samplesWithHours(make([]int, n)...), now)
		if p != nil {
			t.Fatalf("n=%d: expected nil pattern, got %+v", n, p)
		}
		if msg == "" {
			t.Fatalf("n=%d: expected a non-empty insufficient-data message", n)
		}
	}
}

func TestInferSameHourSamples(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	p, msg := Infer(samplesWithHours(7, 7, 7, 7, 7), now)
	if p == nil {
		t.Fatalf("expected pattern, got message %q", msg)
	}
	if p.HourStart != 7 || p.HourEnd != 7 {
		t.Fatalf("window = [%d,%d], want [7,7]", p.HourStart, p.HourEnd)
	}
	if p.Confidence < 0.5 {
		t.Fatalf("confidence = %f, want >= 0.5 for tightly clustered samples", p.Confidence)
	}
	if p.SampleSize != 5 {
		t.Fatalf("sample size = %d, want 5", p.SampleSize)
	}
	if !p.CalculatedAt.Equal(now) {
		t.Fatalf("calculated at = %v, want %v", p.CalculatedAt, now)
	}
}

func TestInferTrimsOutliers(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	// Nine logs around 7am plus one 11pm outlier: with >= 10 samples the
	// P10/P90 trim drops the extremes.
	p, _ := Infer(samplesWithHours(6, 7, 7, 7, 7, 7, 8, 8, 8, 23), now)
	if p == nil {
		t.Fatal("expected pattern")
	}
	if p.HourEnd == 23 {
		t.Fatalf("window end = %d; outlier should have been trimmed", p.HourEnd)
	}
	if p.HourStart < 6 || p.HourEnd > 8 {
		t.Fatalf("window = [%d,%d], want within [6,8]", p.HourStart, p.HourEnd)
	}
}

func TestConfidenceMonotonicity(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	// More samples, same clustering: confidence must not decrease.
	small, _ := Infer(samplesWithHours(7, 7, 7, 7, 7), now)
	large, _ := Infer(samplesWithHours(7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7), now)
	if large.Confidence < small.Confidence {
		t.Fatalf("confidence dropped with more samples: %f -> %f", small.Confidence, large.Confidence)
	}

	// Same count, wider spread: confidence must not increase.
	tight, _ := Infer(samplesWithHours(7, 7, 7, 7, 7, 7), now)
	loose, _ := Infer(samplesWithHours(2, 6, 9, 13, 18, 22), now)
	if loose.Confidence > tight.Confidence {
		t.Fatalf("confidence rose with wider spread: tight %f, loose %f", tight.Confidence, loose.Confidence)
	}
}

func TestInferBounds(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	cases := [][]int{
		{0, 0, 0, 0, 0},
		{23, 23, 23, 23, 23},
		{0, 5, 10, 15, 23},
		{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14},
	}
	for _, hours := range cases {
		p, _ := Infer(samplesWithHours(hours...), now)
		if p == nil {
			t.Fatalf("hours %v: expected pattern", hours)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			t.Fatalf("hours %v: confidence %f out of [0,1]", hours, p.Confidence)
		}
		if p.HourStart < 0 || p.HourStart > 23 || p.HourEnd < 0 || p.HourEnd > 23 {
			t.Fatalf("hours %v: window [%d,%d] out of [0,23]", hours, p.HourStart, p.HourEnd)
		}
		if p.HourStart > p.HourEnd {
			t.Fatalf("hours %v: inverted window [%d,%d]", hours, p.HourStart, p.HourEnd)
		}
	}
}
