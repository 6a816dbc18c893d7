package jobs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cadence/internal/dedup"
	"cadence/internal/engine/window"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// RunChallengeTick evaluates every upcoming and active challenge window
// against now and applies the resulting transitions. Each challenge is
// processed independently; a failure on one counts into Errors and the
// pass continues. The returned error covers only whole-pass failures
// (the initial list query).
//
// at is honored only when the time-override hook is enabled.
func (s *Service) RunChallengeTick(ctx context.Context, at time.Time) (TickReport, error) {
	now := s.effectiveNow(at)
	var rep TickReport

	list, err := s.store.ListChallengesByStatus(ctx, window.StatusUpcoming, window.StatusActive)
	if err != nil {
		return rep, fmt.Errorf("challenge tick: list: %w", err)
	}

	for _, c := range list {
		next := window.Evaluate(c.Status, c.StartDate, c.EndDate, now)
		if next == c.Status {
			continue
		}
		ok, err := s.store.UpdateChallengeStatus(ctx, c.ID, c.Status, next)
		if err != nil {
			rep.Errors++
			s.log.Error("challenge transition failed",
				logx.Int64("challenge", c.ID),
				logx.String("from", string(c.Status)), logx.String("to", string(next)),
				logx.Err(err))
			continue
		}
		if !ok {
			// Another run won the guard race; nothing to do here.
			continue
		}
		switch next {
		case window.StatusActive:
			rep.Activated++
			s.publish("challenge.activated", c.ID)
		case window.StatusCompleted:
			rep.Completed++
			s.publish("challenge.completed", c.ID)
			queued, qerr := s.queueCompletionPushes(ctx, c, now)
			rep.Queued += queued
			if qerr != nil {
				rep.Errors++
				s.log.Error("completion pushes failed", logx.Int64("challenge", c.ID), logx.Err(qerr))
			}
		}
	}
	return rep, nil
}

// queueCompletionPushes claims the completion unit for c and, on first
// claim, enqueues one pending push per member. Row-level uniqueness
// makes the enqueue itself replay-safe, so a partial failure here can be
// retried by clearing nothing: the claim guards the unit of work, the
// rows guard the per-recipient deliveries.
func (s *Service) queueCompletionPushes(ctx context.Context, c storage.Challenge, now time.Time) (int, error) {
	claimed, err := s.ledger.TryClaim(ctx, dedup.CompletionKey(c.ID), now)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, nil
	}
	members, err := s.store.ChallengeMemberIDs(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	queued := 0
	var firstErr error
	for _, uid := range members {
		inserted, err := s.store.EnqueuePush(ctx, storage.Push{
			Kind:       storage.PushChallengeCompleted,
			UserID:     uid,
			ResourceID: strconv.FormatInt(c.ID, 10),
			Title:      c.Title,
			Body:       fmt.Sprintf("Challenge %q has ended.", c.Title),
			FireAt:     now,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if inserted {
			queued++
		}
	}
	return queued, firstErr
}
