package jobs

import (
	"context"
	"testing"
	"time"

	"cadence/internal/engine/window"
	"cadence/internal/storage"
)

func TestWeekEnding(t *testing.T) {
	t.Parallel()
	cases := []struct {
		now  string
		want string
	}{
		{"2026-03-01T18:00:00Z", "2026-03-01"}, // Sunday maps to itself
		{"2026-03-02T00:00:00Z", "2026-03-01"}, // Monday, week just ended
		{"2026-03-07T23:59:59Z", "2026-03-01"}, // Saturday, still same week
		{"2026-03-08T00:00:00Z", "2026-03-08"}, // next Sunday rolls over
	}
	for _, tc := range cases {
		now, err := time.Parse(time.RFC3339, tc.now)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.now, err)
		}
		if got := WeekEnding(now).String(); got != tc.want {
			t.Errorf("WeekEnding(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func pendingPushes(t *testing.T, st storage.Store) []storage.Push {
	t.Helper()
	due, err := st.DuePushes(context.Background(), time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC), 1000)
	if err != nil {
		t.Fatalf("due pushes: %v", err)
	}
	return due
}

func TestWeeklyRecapOncePerGroupAndWeek(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	// Groups come into existence through challenge membership.
	seedChallenge(t, st, storage.Challenge{GroupID: 10, Title: "g10", Status: window.StatusActive}, 1, 2)
	seedChallenge(t, st, storage.Challenge{GroupID: 20, Title: "g20", Status: window.StatusActive}, 3)

	sunday := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	rep, err := svc.RunWeeklyRecap(context.Background(), sunday)
	if err != nil {
		t.Fatalf("recap: %v", err)
	}
	if rep.Claimed != 2 || rep.Queued != 3 || rep.Errors != 0 {
		t.Fatalf("first run = %+v, want 2 claimed / 3 queued", rep)
	}

	// Rerun within the same week: success, zero side effects.
	rep, err = svc.RunWeeklyRecap(context.Background(), sunday.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("recap rerun: %v", err)
	}
	if rep.Claimed != 0 || rep.Skipped != 2 || rep.Queued != 0 {
		t.Fatalf("rerun = %+v, want all skipped", rep)
	}
	if got := len(pendingPushes(t, st)); got != 3 {
		t.Fatalf("queue holds %d rows, want 3", got)
	}

	// A week later the claim key changes and the fanout repeats.
	rep, err = svc.RunWeeklyRecap(context.Background(), sunday.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("recap next week: %v", err)
	}
	if rep.Claimed != 2 || rep.Queued != 3 {
		t.Fatalf("next week = %+v, want fresh claims", rep)
	}
}
