// Package push drains the per-recipient delivery queue.
//
// Each queue row carries its own status and attempt count, so delivery
// to N members of a completed challenge is N independently tracked
// units: a retried row never re-sends to recipients that already got
// theirs. Retries are persisted as rescheduled fire times rather than
// in-process sleeps, so they survive a restart.
package push

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cadence/internal/eventbus"
	rtsup "cadence/internal/runtime/supervisor"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	store  storage.Store
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, store storage.Store, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Minute
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the poll loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	interval := s.cfg.PollInterval
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "push"))),
		// delivery failures should not take down the daemon; best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("push.poll", func(c context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return c.Err()
			case <-t.C:
				rep, err := s.DeliverDue(c, time.Now())
				if err != nil {
					s.log.Warn("delivery pass failed", logx.Err(err))
					continue
				}
				if rep.Sent+rep.Rescheduled+rep.Failed > 0 {
					s.log.Debug("delivery pass",
						logx.Int("sent", rep.Sent),
						logx.Int("rescheduled", rep.Rescheduled),
						logx.Int("failed", rep.Failed))
				}
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

// Stop halts polling; an in-flight pass finishes best-effort within ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = sup.Stop(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// DeliverDue runs one delivery pass over rows due at now. It is also the
// entry point for a manual drain (tests, one-shot CLI runs); the poll
// loop calls it on every tick.
func (s *Service) DeliverDue(ctx context.Context, now time.Time) (Report, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	var rep Report
	if sender == nil {
		return rep, nil
	}

	due, err := s.store.DuePushes(ctx, now, cfg.BatchSize)
	if err != nil {
		return rep, fmt.Errorf("push: list due: %w", err)
	}
	if len(due) == 0 {
		return rep, nil
	}

	workers := cfg.Workers
	if workers > len(due) {
		workers = len(due)
	}
	jobs := make(chan storage.Push)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for p := range jobs {
				outcome := s.deliverOne(ctx, cfg, lim, sender, p, now)
				mu.Lock()
				switch outcome {
				case outcomeSent:
					rep.Sent++
				case outcomeRescheduled:
					rep.Rescheduled++
				case outcomeFailed:
					rep.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	for _, p := range due {
		select {
		case jobs <- p:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return rep, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()
	return rep, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeRescheduled
	outcomeFailed
)

func (s *Service) deliverOne(ctx context.Context, cfg Config, lim *rate.Limiter, sender Sender, p storage.Push, now time.Time) outcome {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return outcomeSkipped
		}
	}

	// Bound per-send call. Keep tight to avoid hanging workers.
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := sender.Send(callCtx, p)
	cancel()

	attempts := p.Attempts + 1
	if err == nil {
		if merr := s.store.MarkPushSent(ctx, p.ID, now); merr != nil {
			s.log.Error("mark sent failed", logx.Int64("push", p.ID), logx.Err(merr))
		}
		s.publish("push.sent", p, attempts, "")
		return outcomeSent
	}

	s.log.Debug("push send failed",
		logx.Int64("push", p.ID),
		logx.String("kind", p.Kind),
		logx.Int("attempt", attempts),
		logx.Err(err))

	if attempts > cfg.RetryMax {
		if merr := s.store.MarkPushFailed(ctx, p.ID, err.Error(), time.Time{}, true); merr != nil {
			s.log.Error("mark failed failed", logx.Int64("push", p.ID), logx.Err(merr))
		}
		s.publish("push.failed", p, attempts, err.Error())
		return outcomeFailed
	}

	retryAt := now.Add(retryDelay(cfg, attempts))
	if merr := s.store.MarkPushFailed(ctx, p.ID, err.Error(), retryAt, false); merr != nil {
		s.log.Error("reschedule failed", logx.Int64("push", p.ID), logx.Err(merr))
	}
	s.publish("push.rescheduled", p, attempts, err.Error())
	return outcomeRescheduled
}

func (s *Service) publish(typ string, p storage.Push, attempts int, errMsg string) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: Event{
		Kind:       p.Kind,
		UserID:     p.UserID,
		ResourceID: p.ResourceID,
		Attempts:   attempts,
		At:         now,
		Error:      errMsg,
	}})
}

func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 30 * time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Minute
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
