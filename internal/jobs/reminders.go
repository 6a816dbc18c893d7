package jobs

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/engine/deferral"
	"cadence/internal/engine/pattern"
	"cadence/internal/engine/recurrence"
	"cadence/internal/engine/tz"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// minPatternConfidence is the bar an inferred pattern must clear before
// it overrides the default reminder hour.
const minPatternConfidence = 0.5

// RunReminderPlanning enqueues a reminder push for every goal whose
// recurrence mask is active on the goal's local date. The resource id
// embeds that date, so the planner can run every half hour without ever
// producing a second row for the same goal and day.
func (s *Service) RunReminderPlanning(ctx context.Context, at time.Time) (PlanReport, error) {
	now := s.effectiveNow(at)
	cfg := s.config()
	var rep PlanReport

	goals, err := s.store.ListGoals(ctx)
	if err != nil {
		return rep, fmt.Errorf("reminder planning: list goals: %w", err)
	}

	for _, g := range goals {
		loc := s.resolver.Location(g.Timezone)
		localNow := now.In(loc)
		if !recurrence.IsActive(g.Mask, localNow) {
			rep.Skipped++
			continue
		}

		hour, err := s.reminderHour(ctx, g, cfg.DefaultReminderHour)
		if err != nil {
			rep.Errors++
			s.log.Error("reminder hour lookup failed", logx.Int64("goal", g.ID), logx.Err(err))
			continue
		}

		date := tz.DateIn(now, loc)
		fireAt := deferral.FireAt(s.resolver, deferral.Request{
			Zone:          g.Timezone,
			BaseDate:      date,
			PreferredHour: hour,
			Now:           now,
		})
		inserted, err := s.store.EnqueuePush(ctx, storage.Push{
			Kind:       storage.PushGoalReminder,
			UserID:     g.UserID,
			ResourceID: fmt.Sprintf("%d:%s", g.ID, date),
			Title:      g.Title,
			Body:       fmt.Sprintf("Time to work on %q.", g.Title),
			FireAt:     fireAt,
		})
		if err != nil {
			rep.Errors++
			s.log.Error("reminder enqueue failed", logx.Int64("goal", g.ID), logx.Err(err))
			continue
		}
		if inserted {
			rep.Planned++
		} else {
			rep.Skipped++
		}
	}
	return rep, nil
}

// reminderHour picks the local hour for a goal's reminder: the explicit
// preferred hour wins, then a confidently inferred pattern, then the
// configured default.
func (s *Service) reminderHour(ctx context.Context, g storage.Goal, def int) (int, error) {
	if g.PreferredHour != nil {
		return *g.PreferredHour, nil
	}
	p, ok, err := s.store.GetPattern(ctx, g.ID)
	if err != nil {
		return 0, err
	}
	if ok && p.Confidence >= minPatternConfidence {
		return p.HourStart, nil
	}
	return def, nil
}

// RecalcPattern recomputes a goal's logging pattern from scratch. All
// stored log instants are reinterpreted in the goal's current timezone,
// so a timezone change is absorbed on the next recalculation rather
// than by migrating history. Insufficient data clears the stored row
// and explains itself through the returned message.
func (s *Service) RecalcPattern(ctx context.Context, goalID int64, at time.Time) (*pattern.Pattern, string, error) {
	now := s.effectiveNow(at)

	g, ok, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		return nil, "", fmt.Errorf("recalc pattern: %w", err)
	}
	if !ok {
		return nil, "", fmt.Errorf("recalc pattern: goal %d not found", goalID)
	}

	times, err := s.store.GoalLogTimes(ctx, goalID)
	if err != nil {
		return nil, "", fmt.Errorf("recalc pattern: logs: %w", err)
	}

	loc := s.resolver.Location(g.Timezone)
	samples := make([]pattern.Sample, 0, len(times))
	for _, t := range times {
		lt := t.In(loc)
		samples = append(samples, pattern.Sample{Date: tz.DateIn(t, loc), Hour: lt.Hour()})
	}

	p, msg := pattern.Infer(samples, now)
	if err := s.store.PutPattern(ctx, goalID, p); err != nil {
		return nil, "", fmt.Errorf("recalc pattern: persist: %w", err)
	}
	if p != nil {
		s.publish("pattern.updated", goalID)
	}
	return p, msg, nil
}
