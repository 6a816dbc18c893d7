package jobs

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/dedup"
	"cadence/internal/engine/tz"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// WeekEnding returns the Sunday that closes the week containing the UTC
// date of now. A Sunday maps to itself.
func WeekEnding(now time.Time) tz.Date {
	d := tz.DateIn(now, time.UTC)
	return d.AddDays(-d.Weekday())
}

// RunWeeklyRecap fans a recap push out to the members of every group,
// at most once per group per week. The per-group claim makes reruns of
// the same week report success with zero side effects.
func (s *Service) RunWeeklyRecap(ctx context.Context, at time.Time) (RecapReport, error) {
	now := s.effectiveNow(at)
	week := WeekEnding(now)
	var rep RecapReport

	groups, err := s.store.ListGroupIDs(ctx)
	if err != nil {
		return rep, fmt.Errorf("weekly recap: list groups: %w", err)
	}

	for _, gid := range groups {
		claimed, err := s.ledger.TryClaim(ctx, dedup.RecapKey(gid, week), now)
		if err != nil {
			rep.Errors++
			s.log.Error("recap claim failed", logx.Int64("group", gid), logx.Err(err))
			continue
		}
		if !claimed {
			rep.Skipped++
			continue
		}
		rep.Claimed++
		s.publish("recap.claimed", gid)

		members, err := s.store.GroupMemberIDs(ctx, gid)
		if err != nil {
			rep.Errors++
			s.log.Error("recap members failed", logx.Int64("group", gid), logx.Err(err))
			continue
		}
		for _, uid := range members {
			inserted, err := s.store.EnqueuePush(ctx, storage.Push{
				Kind:       storage.PushWeeklyRecap,
				UserID:     uid,
				ResourceID: fmt.Sprintf("%d:%s", gid, week),
				Title:      "Weekly recap",
				Body:       fmt.Sprintf("Your recap for the week ending %s is ready.", week),
				FireAt:     now,
			})
			if err != nil {
				rep.Errors++
				continue
			}
			if inserted {
				rep.Queued++
			}
		}
	}
	return rep, nil
}
