package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"cadence/internal/engine/tz"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dedup.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return NewLedger(st, logx.Nop(), nil)
}

func TestTryClaimFirstWinsRestSkip(t *testing.T) {
	t.Parallel()
	l := testLedger(t)
	ctx := context.Background()
	key := RecapKey(42, tz.Date{Year: 2026, Month: 3, Day: 1})

	sideEffects := 0
	// Same trigger re-run three times, e.g. an external retry after a
	// timeout. Only the first run performs the work.
	for i := 0; i < 3; i++ {
		claimed, err := l.TryClaim(ctx, key, time.Now())
		if err != nil {
			t.Fatalf("TryClaim: %v", err)
		}
		if claimed {
			sideEffects++
		}
	}
	if sideEffects != 1 {
		t.Fatalf("side effects = %d, want exactly 1", sideEffects)
	}
}

func TestClaimedAt(t *testing.T) {
	t.Parallel()
	l := testLedger(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if _, ok, err := l.ClaimedAt(ctx, CompletionKey(9)); err != nil || ok {
		t.Fatalf("unclaimed key: (%v, %v)", ok, err)
	}
	if _, err := l.TryClaim(ctx, CompletionKey(9), at); err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	got, ok, err := l.ClaimedAt(ctx, CompletionKey(9))
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("ClaimedAt = (%v, %v, %v), want (%v, true, nil)", got, ok, err, at)
	}
}

func TestKeyFormats(t *testing.T) {
	t.Parallel()
	if got := RecapKey(7, tz.Date{Year: 2026, Month: 3, Day: 8}); got != "recap:7:2026-03-08" {
		t.Fatalf("RecapKey = %q", got)
	}
	if got := CompletionKey(15); got != "challenge-complete:15" {
		t.Fatalf("CompletionKey = %q", got)
	}
}
