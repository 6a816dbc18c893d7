package jobs

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/dedup"
	"cadence/internal/engine/tz"
	"cadence/internal/eventbus"
	"cadence/internal/storage"
	logx "cadence/pkg/logx"
)

// Config controls the periodic job driver.
//
// Cron specs use the standard 5-field format plus descriptors
// ("@hourly"); seconds are accepted as an optional sixth field.
type Config struct {
	Enabled bool
	// Timezone is the cron trigger location (IANA name). Job logic is
	// timezone-aware on its own; this only anchors the trigger specs.
	Timezone string

	ChallengeTickSpec string // default "@hourly"
	WeeklyRecapSpec   string // default "0 18 * * 0" (Sunday evening)
	ReminderPlanSpec  string // default "*/30 * * * *"

	// DefaultReminderHour is used when a goal has no explicit preferred
	// hour and no confident inferred pattern. Default 9.
	DefaultReminderHour int

	// AllowTimeOverride lets callers pass an explicit evaluation
	// instant to the Run* methods. When false (the default) any
	// caller-supplied instant is ignored and the wall clock is used.
	AllowTimeOverride bool
}

// TickReport summarizes one challenge-tick pass.
type TickReport struct {
	Activated int `json:"activated"`
	Completed int `json:"completed"`
	Queued    int `json:"queued"`
	Errors    int `json:"errors"`
}

// RecapReport summarizes one weekly-recap pass.
type RecapReport struct {
	Claimed int `json:"claimed"`
	Skipped int `json:"skipped"`
	Queued  int `json:"queued"`
	Errors  int `json:"errors"`
}

// PlanReport summarizes one reminder-planning pass.
type PlanReport struct {
	Planned int `json:"planned"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	ledger   *dedup.Ledger
	resolver *tz.Resolver

	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
}
