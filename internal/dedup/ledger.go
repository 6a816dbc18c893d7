// Package dedup enforces at-most-once execution of keyed units of
// recurring work.
//
// A claim is a single conditional insert; no lock is needed even when
// two triggers race. claimed=false is the expected steady-state answer
// for a retried job, not an error. This is deliberately distinct from
// the per-recipient push queue: one claim covers one logical unit of
// work, while a push row tracks one delivery.
package dedup

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/engine/tz"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

type Ledger struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
}

func NewLedger(store storage.Store, log logx.Logger, bus eventbus.Bus) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, log: log, bus: bus}
}

// TryClaim claims key at instant at. The first caller ever gets true and
// may perform side effects; everyone after gets false and must skip them
// while still reporting success upstream. Claim records persist
// indefinitely as the audit trail of completed recurring work.
func (l *Ledger) TryClaim(ctx context.Context, key string, at time.Time) (bool, error) {
	claimed, err := l.store.TryClaim(ctx, key, at)
	if err != nil {
		return false, fmt.Errorf("dedup claim %q: %w", key, err)
	}
	if claimed {
		l.log.Debug("claim won", logx.String("key", key))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: "dedup.claimed", Time: at, Data: key})
		}
	} else {
		l.log.Debug("claim already taken", logx.String("key", key))
	}
	return claimed, nil
}

// ClaimedAt reports when key was claimed, if ever.
func (l *Ledger) ClaimedAt(ctx context.Context, key string) (time.Time, bool, error) {
	return l.store.GetClaim(ctx, key)
}

// RecapKey identifies one group's weekly recap period.
func RecapKey(groupID int64, weekEnding tz.Date) string {
	return fmt.Sprintf("recap:%d:%s", groupID, weekEnding)
}

// CompletionKey identifies the one-shot completion fanout of a challenge.
func CompletionKey(challengeID int64) string {
	return fmt.Sprintf("challenge-complete:%d", challengeID)
}
