package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is required; the daemon refuses to start without a
	// database path.
	Storage StorageConfig `json:"storage"`

	// Jobs controls the periodic drivers (challenge tick, weekly recap,
	// reminder planning).
	Jobs JobsConfig `json:"jobs"`

	// Push controls the delivery worker. If the whole section is
	// omitted the worker defaults to enabled.
	Push *PushConfig `json:"push,omitempty"`

	Pprof PprofConfig `json:"pprof,omitempty"`

	TestHooks TestHooksConfig `json:"test_hooks,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./cadence.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// JobsConfig controls the cron-driven jobs.
//
// Specs are standard 5-field cron expressions (descriptors like
// "@hourly" work too; an optional leading seconds field is accepted).
//
// Defaults (when fields are omitted/zero):
//   - challenge_tick_spec: "@hourly"
//   - weekly_recap_spec: "0 18 * * 0"
//   - reminder_plan_spec: "*/30 * * * *"
//   - default_reminder_hour: 9
type JobsConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone anchors the trigger specs (IANA name, default UTC). The
	// jobs themselves resolve per-user and per-challenge timezones on
	// their own.
	Timezone string `json:"timezone,omitempty"`

	ChallengeTickSpec string `json:"challenge_tick_spec,omitempty"`
	WeeklyRecapSpec   string `json:"weekly_recap_spec,omitempty"`
	ReminderPlanSpec  string `json:"reminder_plan_spec,omitempty"`

	DefaultReminderHour int `json:"default_reminder_hour,omitempty"`
}

// PushConfig controls the delivery worker.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type PushConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// TestHooksConfig gates behavior that only integration tests should
// reach. Everything here defaults to off.
type TestHooksConfig struct {
	// AllowTimeOverride lets job runs accept an explicit evaluation
	// instant instead of the wall clock.
	AllowTimeOverride bool `json:"allow_time_override,omitempty"`
}
