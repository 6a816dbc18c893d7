// Package jobs drives the periodic work: the hourly challenge tick, the
// weekly recap fanout and the reminder planner. Triggering is cron-based;
// the actual date math lives in internal/engine and stays pure. Every run
// is recorded in the job_runs audit table and announced on the event bus.
package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"cadence/internal/dedup"
	"cadence/internal/engine/tz"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// Job names as they appear in the audit table and run events.
const (
	JobChallengeTick = "challenge.tick"
	JobWeeklyRecap   = "recap.weekly"
	JobReminderPlan  = "reminder.plan"
)

// specParser accepts both 5-field and 6-field (with seconds) cron specs
// plus descriptors like "@hourly".
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec parses as a trigger expression.
func ValidateSpec(spec string) error {
	_, err := specParser.Parse(spec)
	return err
}

func New(cfg Config, store storage.Store, ledger *dedup.Ledger, resolver *tz.Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if resolver == nil {
		resolver = tz.NewResolver()
	}
	s := &Service{
		log:      log,
		bus:      bus,
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		parser:   specParser,
	}
	s.applyLocked(cfg)
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.applyLocked(cfg)

	if s.c == nil {
		return
	}
	if old != s.cfg {
		// Specs or trigger timezone changed: restart cron and re-register.
		s.restartLocked()
	}
}

func (s *Service) applyLocked(cfg Config) {
	if strings.TrimSpace(cfg.ChallengeTickSpec) == "" {
		cfg.ChallengeTickSpec = "@hourly"
	}
	if strings.TrimSpace(cfg.WeeklyRecapSpec) == "" {
		cfg.WeeklyRecapSpec = "0 18 * * 0"
	}
	if strings.TrimSpace(cfg.ReminderPlanSpec) == "" {
		cfg.ReminderPlanSpec = "*/30 * * * *"
	}
	if cfg.DefaultReminderHour < 0 || cfg.DefaultReminderHour > 23 {
		cfg.DefaultReminderHour = 9
	}
	s.cfg = cfg
}

// Start starts cron triggering. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.registerLocked(ctx)
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()))
}

// Stop stops cron triggering. Already-running job funcs finish on their own.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.registerLocked(context.Background())
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()))
}

// registerLocked wires the three job entries. Call with s.mu held.
func (s *Service) registerLocked(ctx context.Context) {
	type entry struct {
		name string
		spec string
		fn   func()
	}
	entries := []entry{
		{JobChallengeTick, s.cfg.ChallengeTickSpec, func() {
			started := time.Now().UTC()
			rep, err := s.RunChallengeTick(ctx, time.Time{})
			s.record(ctx, JobChallengeTick, started, storage.JobRun{
				Activated: rep.Activated, Completed: rep.Completed,
				Queued: rep.Queued, Errors: rep.Errors,
			}, err)
		}},
		{JobWeeklyRecap, s.cfg.WeeklyRecapSpec, func() {
			started := time.Now().UTC()
			rep, err := s.RunWeeklyRecap(ctx, time.Time{})
			s.record(ctx, JobWeeklyRecap, started, storage.JobRun{
				Claimed: rep.Claimed, Queued: rep.Queued, Errors: rep.Errors,
			}, err)
		}},
		{JobReminderPlan, s.cfg.ReminderPlanSpec, func() {
			started := time.Now().UTC()
			rep, err := s.RunReminderPlanning(ctx, time.Time{})
			s.record(ctx, JobReminderPlan, started, storage.JobRun{
				Queued: rep.Planned, Errors: rep.Errors,
			}, err)
		}},
	}
	for _, e := range entries {
		if _, err := s.c.AddFunc(e.spec, e.fn); err != nil {
			s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
			continue
		}
		s.log.Debug("schedule registered", logx.String("name", e.name), logx.String("spec", e.spec))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	name := strings.TrimSpace(s.cfg.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn("unknown trigger timezone, using UTC", logx.String("tz", name))
		return time.UTC
	}
	return loc
}

// record writes one job_runs audit row and publishes a run event.
func (s *Service) record(ctx context.Context, job string, started time.Time, jr storage.JobRun, err error) {
	jr.RunID = uuid.NewString()
	jr.Job = job
	jr.At = started
	jr.TookMS = time.Since(started).Milliseconds()
	if err != nil {
		jr.Error = err.Error()
		s.log.Error("job run failed", logx.String("job", job), logx.String("run", jr.RunID), logx.Err(err))
	} else {
		s.log.Info("job run",
			logx.String("job", job), logx.String("run", jr.RunID),
			logx.Int("activated", jr.Activated), logx.Int("completed", jr.Completed),
			logx.Int("claimed", jr.Claimed), logx.Int("queued", jr.Queued),
			logx.Int("errors", jr.Errors), logx.Int64("took_ms", jr.TookMS))
	}
	if aerr := s.store.AppendJobRun(ctx, jr); aerr != nil {
		s.log.Warn("job run audit write failed", logx.String("job", job), logx.Err(aerr))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "jobs.run", Time: time.Now(), Data: jr})
	}
}

// effectiveNow gates caller-supplied instants behind the test hook.
func (s *Service) effectiveNow(at time.Time) time.Time {
	s.mu.Lock()
	allow := s.cfg.AllowTimeOverride
	s.mu.Unlock()
	if allow && !at.IsZero() {
		return at
	}
	return time.Now().UTC()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
