package push

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "push.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []storage.Push
	fails map[string]int // resource id -> remaining failures
}

func (r *recordingSender) Send(_ context.Context, p storage.Push) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails[p.ResourceID] > 0 {
		r.fails[p.ResourceID]--
		return errors.New("transport unavailable")
	}
	r.sent = append(r.sent, p)
	return nil
}

func (r *recordingSender) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func enqueue(t *testing.T, st storage.Store, kind string, userID int64, resource string, fireAt time.Time) {
	t.Helper()
	ok, err := st.EnqueuePush(context.Background(), storage.Push{
		Kind: kind, UserID: userID, ResourceID: resource, FireAt: fireAt,
	})
	if err != nil || !ok {
		t.Fatalf("enqueue %s/%d/%s = (%v, %v)", kind, userID, resource, ok, err)
	}
}

func TestDeliverDueSendsOnlyDueRows(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sender := &recordingSender{}
	svc := New(Config{Enabled: true, RatePerSec: 1000}, st, sender, logx.Nop(), nil)

	enqueue(t, st, storage.PushChallengeCompleted, 1, "5", now.Add(-time.Minute))
	enqueue(t, st, storage.PushChallengeCompleted, 2, "5", now.Add(-time.Minute))
	enqueue(t, st, storage.PushGoalReminder, 3, "9:2026-03-03", now.Add(time.Hour))

	rep, err := svc.DeliverDue(context.Background(), now)
	if err != nil {
		t.Fatalf("DeliverDue: %v", err)
	}
	if rep.Sent != 2 || rep.Failed != 0 || rep.Rescheduled != 0 {
		t.Fatalf("report = %+v, want 2 sent", rep)
	}
	if sender.sentCount() != 2 {
		t.Fatalf("sender saw %d pushes, want 2", sender.sentCount())
	}

	// A second pass finds nothing: sent rows stay sent.
	rep, err = svc.DeliverDue(context.Background(), now)
	if err != nil || rep.Sent != 0 {
		t.Fatalf("second pass = (%+v, %v), want empty", rep, err)
	}
}

func TestDeliverDueRetriesThenSends(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sender := &recordingSender{fails: map[string]int{"7": 1}}
	svc := New(Config{Enabled: true, RatePerSec: 1000, RetryMax: 3, RetryBase: time.Minute}, st, sender, logx.Nop(), nil)

	enqueue(t, st, storage.PushWeeklyRecap, 10, "7", now.Add(-time.Second))

	rep, err := svc.DeliverDue(context.Background(), now)
	if err != nil || rep.Rescheduled != 1 {
		t.Fatalf("first pass = (%+v, %v), want 1 rescheduled", rep, err)
	}

	// Retry comes due after the backoff window (base*2 with jitter caps
	// well under an hour here).
	rep, err = svc.DeliverDue(context.Background(), now.Add(time.Hour))
	if err != nil || rep.Sent != 1 {
		t.Fatalf("retry pass = (%+v, %v), want 1 sent", rep, err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("sender saw %d pushes, want 1", sender.sentCount())
	}
}

func TestDeliverDueParksAfterRetryBudget(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	sender := &recordingSender{fails: map[string]int{"bad": 100}}
	svc := New(Config{Enabled: true, RatePerSec: 1000, RetryMax: 1, RetryBase: time.Second}, st, sender, logx.Nop(), nil)

	enqueue(t, st, storage.PushGoalReminder, 5, "bad", now.Add(-time.Second))

	if rep, _ := svc.DeliverDue(context.Background(), now); rep.Rescheduled != 1 {
		t.Fatalf("pass 1 = %+v, want rescheduled", rep)
	}
	if rep, _ := svc.DeliverDue(context.Background(), now.Add(time.Hour)); rep.Failed != 1 {
		t.Fatalf("pass 2 = %+v, want failed (budget exhausted)", rep)
	}
	// Parked rows never come due again.
	if rep, _ := svc.DeliverDue(context.Background(), now.Add(48*time.Hour)); rep.Sent+rep.Failed+rep.Rescheduled != 0 {
		t.Fatalf("parked row resurfaced")
	}
}

func TestPerRecipientIndependence(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	// Recipient 2's transport is down; recipient 1 must still get theirs
	// exactly once even when the pass is re-run.
	sender := &recordingSender{fails: map[string]int{}}
	svc := New(Config{Enabled: true, Workers: 1, RatePerSec: 1000, RetryMax: 5, RetryBase: time.Minute}, st, sender, logx.Nop(), nil)

	enqueue(t, st, storage.PushChallengeCompleted, 1, "11", now.Add(-time.Second))
	ok, err := st.EnqueuePush(context.Background(), storage.Push{Kind: storage.PushChallengeCompleted, UserID: 2, ResourceID: "11", FireAt: now.Add(-time.Second)})
	if err != nil || !ok {
		t.Fatalf("enqueue rcpt 2: (%v, %v)", ok, err)
	}

	if rep, _ := svc.DeliverDue(context.Background(), now); rep.Sent != 2 {
		t.Fatalf("pass = %+v", rep)
	}
	if sender.sentCount() != 2 {
		t.Fatalf("sent %d, want 2", sender.sentCount())
	}
	// Re-running the full pipeline sends nothing extra.
	if rep, _ := svc.DeliverDue(context.Background(), now.Add(time.Minute)); rep.Sent != 0 {
		t.Fatalf("re-run sent %d extra pushes", rep.Sent)
	}
}
