package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"cadence/internal/engine/pattern"
	"cadence/internal/engine/recurrence"
	"cadence/internal/storage"
)

func intPtr(v int) *int { return &v }

func seedGoal(t *testing.T, st storage.Store, g storage.Goal) int64 {
	t.Helper()
	id, err := st.CreateGoal(context.Background(), g)
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	return id
}

func TestPlanningUsesPreferredHourInGoalZone(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	seedGoal(t, st, storage.Goal{UserID: 1, Title: "Morning run", Timezone: "Asia/Tokyo", PreferredHour: intPtr(8)})

	// Monday 05:00 in Tokyo; the 08:00 reminder is still ahead.
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	rep, err := svc.RunReminderPlanning(context.Background(), now)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if rep.Planned != 1 || rep.Errors != 0 {
		t.Fatalf("report = %+v, want 1 planned", rep)
	}

	rows := pendingPushes(t, st)
	if len(rows) != 1 {
		t.Fatalf("queue holds %d rows, want 1", len(rows))
	}
	want := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) // 08:00 JST on Mar 2
	if !rows[0].FireAt.Equal(want) {
		t.Fatalf("fire at %s, want %s", rows[0].FireAt.UTC(), want)
	}
}

func TestPlanningFallsBackToPatternThenDefault(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	now := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC) // Monday, early UTC

	confident := seedGoal(t, st, storage.Goal{UserID: 2, Title: "Journal", Timezone: "UTC"})
	if err := st.PutPattern(context.Background(), confident, &pattern.Pattern{
		HourStart: 6, HourEnd: 7, SampleSize: 12, Confidence: 0.8, CalculatedAt: now,
	}); err != nil {
		t.Fatalf("put pattern: %v", err)
	}
	shaky := seedGoal(t, st, storage.Goal{UserID: 3, Title: "Stretch", Timezone: "UTC"})
	if err := st.PutPattern(context.Background(), shaky, &pattern.Pattern{
		HourStart: 22, HourEnd: 23, SampleSize: 5, Confidence: 0.2, CalculatedAt: now,
	}); err != nil {
		t.Fatalf("put pattern: %v", err)
	}

	rep, err := svc.RunReminderPlanning(context.Background(), now)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if rep.Planned != 2 {
		t.Fatalf("report = %+v, want 2 planned", rep)
	}

	byUser := map[int64]storage.Push{}
	for _, p := range pendingPushes(t, st) {
		byUser[p.UserID] = p
	}
	if got := byUser[2].FireAt.UTC().Hour(); got != 6 {
		t.Errorf("confident pattern: fire hour %d, want 6", got)
	}
	// Confidence below the bar: the default hour (9) wins over 22.
	if got := byUser[3].FireAt.UTC().Hour(); got != 9 {
		t.Errorf("shaky pattern: fire hour %d, want default 9", got)
	}
}

func TestPlanningSkipsInactiveMaskDays(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	mask := recurrence.Weekdays
	seedGoal(t, st, storage.Goal{UserID: 4, Title: "Standup prep", Timezone: "UTC", Mask: &mask})

	sunday := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	rep, err := svc.RunReminderPlanning(context.Background(), sunday)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if rep.Planned != 0 || rep.Skipped != 1 {
		t.Fatalf("Sunday run = %+v, want skipped", rep)
	}

	monday := sunday.AddDate(0, 0, 1)
	rep, err = svc.RunReminderPlanning(context.Background(), monday)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if rep.Planned != 1 {
		t.Fatalf("Monday run = %+v, want planned", rep)
	}
}

func TestPlanningOncePerGoalAndDay(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	seedGoal(t, st, storage.Goal{UserID: 5, Title: "Read", Timezone: "UTC", PreferredHour: intPtr(20)})

	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	if rep, _ := svc.RunReminderPlanning(context.Background(), now); rep.Planned != 1 {
		t.Fatalf("first pass planned %d", rep.Planned)
	}
	// The planner reruns all day; the date-bearing resource id keeps the
	// queue at one row.
	if rep, _ := svc.RunReminderPlanning(context.Background(), now.Add(30*time.Minute)); rep.Planned != 0 || rep.Skipped != 1 {
		t.Fatalf("second pass produced a duplicate")
	}
	if got := len(pendingPushes(t, st)); got != 1 {
		t.Fatalf("queue holds %d rows, want 1", got)
	}

	// Next day is a fresh resource id.
	if rep, _ := svc.RunReminderPlanning(context.Background(), now.AddDate(0, 0, 1)); rep.Planned != 1 {
		t.Fatalf("next day not planned")
	}
}

func TestRecalcPattern(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	id := seedGoal(t, st, storage.Goal{UserID: 6, Title: "Meditate", Timezone: "UTC"})
	for day := 1; day <= 5; day++ {
		if err := st.AppendGoalLog(ctx, id, time.Date(2026, 2, day, 7, 15, 0, 0, time.UTC)); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	p, msg, err := svc.RecalcPattern(ctx, id, now)
	if err != nil {
		t.Fatalf("recalc: %v", err)
	}
	if p == nil {
		t.Fatalf("no pattern inferred: %s", msg)
	}
	if p.HourStart != 7 || p.HourEnd != 7 || p.SampleSize != 5 {
		t.Fatalf("pattern = %+v", p)
	}
	if p.Confidence < 0.5 {
		t.Fatalf("confidence %.2f for 5 identical hours, want >= 0.5", p.Confidence)
	}
	if stored, ok, _ := st.GetPattern(ctx, id); !ok || stored.HourStart != 7 {
		t.Fatalf("pattern not persisted: %+v ok=%v", stored, ok)
	}
}

func TestRecalcPatternInsufficientDataClears(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	id := seedGoal(t, st, storage.Goal{UserID: 7, Title: "Sketch", Timezone: "UTC"})
	// A stale pattern from a richer past must not survive a recalc over
	// a thinned log.
	if err := st.PutPattern(ctx, id, &pattern.Pattern{HourStart: 10, HourEnd: 11, SampleSize: 9, Confidence: 0.7, CalculatedAt: now}); err != nil {
		t.Fatalf("put pattern: %v", err)
	}
	for day := 1; day <= 3; day++ {
		if err := st.AppendGoalLog(ctx, id, time.Date(2026, 2, day, 19, 0, 0, 0, time.UTC)); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	p, msg, err := svc.RecalcPattern(ctx, id, now)
	if err != nil {
		t.Fatalf("recalc: %v", err)
	}
	if p != nil {
		t.Fatalf("pattern inferred from 3 samples: %+v", p)
	}
	if !strings.Contains(msg, "insufficient data") || !strings.Contains(msg, "3") {
		t.Fatalf("message = %q", msg)
	}
	if _, ok, _ := st.GetPattern(ctx, id); ok {
		t.Fatalf("stale pattern survived the recalc")
	}
}
