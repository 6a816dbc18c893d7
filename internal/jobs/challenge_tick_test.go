package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/dedup"
	"cadence/internal/engine/tz"
	"cadence/internal/engine/window"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

func testService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ledger := dedup.NewLedger(st, logx.Nop(), nil)
	svc := New(Config{Enabled: true, AllowTimeOverride: true}, st, ledger, tz.NewResolver(), logx.Nop(), nil)
	return svc, st
}

func mustDate(t *testing.T, s string) *tz.Date {
	t.Helper()
	d, err := tz.ParseDate(s)
	if err != nil {
		t.Fatalf("parse date %q: %v", s, err)
	}
	return &d
}

func seedChallenge(t *testing.T, st storage.Store, c storage.Challenge, members ...int64) int64 {
	t.Helper()
	id, err := st.CreateChallenge(context.Background(), c)
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	for _, uid := range members {
		if err := st.AddChallengeMember(context.Background(), id, uid); err != nil {
			t.Fatalf("add member %d: %v", uid, err)
		}
	}
	return id
}

func challengeStatus(t *testing.T, st storage.Store, id int64) window.Status {
	t.Helper()
	c, ok, err := st.GetChallenge(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("get challenge %d: (%v, %v)", id, ok, err)
	}
	return c.Status
}

func TestTickActivatesAtEasternmostBoundary(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 1, Title: "March streak",
		StartDate: mustDate(t, "2026-03-01"),
		Status:    window.StatusUpcoming,
	})

	// 09:30Z: not yet 2026-03-01 anywhere on Earth.
	rep, err := svc.RunChallengeTick(context.Background(), time.Date(2026, 2, 28, 9, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Activated != 0 || challengeStatus(t, st, id) != window.StatusUpcoming {
		t.Fatalf("activated too early: %+v", rep)
	}

	// 10:00Z: midnight has struck in UTC+14.
	rep, err = svc.RunChallengeTick(context.Background(), time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Activated != 1 || challengeStatus(t, st, id) != window.StatusActive {
		t.Fatalf("not activated at boundary: %+v", rep)
	}
}

func TestTickCompletesAtWesternmostBoundary(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 2, Title: "February wrap",
		EndDate: mustDate(t, "2026-03-01"),
		Status:  window.StatusActive,
	}, 100, 101)

	// 11:59Z on Mar 2: UTC-12 is still living Mar 1.
	rep, err := svc.RunChallengeTick(context.Background(), time.Date(2026, 3, 2, 11, 59, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Completed != 0 || challengeStatus(t, st, id) != window.StatusActive {
		t.Fatalf("completed too early: %+v", rep)
	}

	// 12:00:01Z: Mar 1 has ended everywhere.
	rep, err = svc.RunChallengeTick(context.Background(), time.Date(2026, 3, 2, 12, 0, 1, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Completed != 1 || challengeStatus(t, st, id) != window.StatusCompleted {
		t.Fatalf("not completed at boundary: %+v", rep)
	}
	if rep.Queued != 2 {
		t.Fatalf("queued %d completion pushes, want one per member", rep.Queued)
	}
}

func TestTickUpcomingStraightToCompleted(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	// A window whose whole span is already in the past collapses in a
	// single pass: the daemon may have been down across it.
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 3, Title: "Missed window",
		StartDate: mustDate(t, "2026-01-05"),
		EndDate:   mustDate(t, "2026-01-11"),
		Status:    window.StatusUpcoming,
	}, 7)

	rep, err := svc.RunChallengeTick(context.Background(), time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if challengeStatus(t, st, id) != window.StatusCompleted {
		t.Fatalf("status = %s, want completed", challengeStatus(t, st, id))
	}
	if rep.Completed != 1 || rep.Queued != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestCompletionPushesClaimOnce(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	now := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 4, Title: "Once only",
		EndDate: mustDate(t, "2026-03-01"),
		Status:  window.StatusActive,
	}, 1, 2, 3)
	c, _, err := st.GetChallenge(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	queued, err := svc.queueCompletionPushes(context.Background(), c, now)
	if err != nil || queued != 3 {
		t.Fatalf("first claim = (%d, %v), want 3 queued", queued, err)
	}
	queued, err = svc.queueCompletionPushes(context.Background(), c, now.Add(time.Hour))
	if err != nil || queued != 0 {
		t.Fatalf("replay = (%d, %v), want no side effects", queued, err)
	}
}

func TestTickIgnoresOverrideWhenHookDisabled(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	svc.Apply(Config{Enabled: true, AllowTimeOverride: false})
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 5, Title: "Far future",
		StartDate: mustDate(t, "3000-01-01"),
		Status:    window.StatusUpcoming,
	})

	// The override instant would activate this window; with the hook
	// off the wall clock is used and nothing happens.
	rep, err := svc.RunChallengeTick(context.Background(), time.Date(3000, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Activated != 0 || challengeStatus(t, st, id) != window.StatusUpcoming {
		t.Fatalf("override leaked past disabled hook: %+v", rep)
	}
}

func TestTickLeavesCancelledAlone(t *testing.T) {
	t.Parallel()
	svc, st := testService(t)
	id := seedChallenge(t, st, storage.Challenge{
		GroupID: 6, Title: "Called off",
		StartDate: mustDate(t, "2026-01-01"),
		EndDate:   mustDate(t, "2026-01-31"),
		Status:    window.StatusCancelled,
	})

	rep, err := svc.RunChallengeTick(context.Background(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if rep.Activated+rep.Completed != 0 || challengeStatus(t, st, id) != window.StatusCancelled {
		t.Fatalf("cancelled challenge was touched: %+v", rep)
	}
}
