package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cadence/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging (paths are reported as "set", never
// echoed verbatim).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Jobs (trigger specs and defaults)
	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Bool("jobs.enabled", newCfg.Jobs.Enabled),
			logx.String("jobs.timezone", strings.TrimSpace(newCfg.Jobs.Timezone)),
			logx.String("jobs.challenge_tick_spec", strings.TrimSpace(newCfg.Jobs.ChallengeTickSpec)),
			logx.String("jobs.weekly_recap_spec", strings.TrimSpace(newCfg.Jobs.WeeklyRecapSpec)),
			logx.String("jobs.reminder_plan_spec", strings.TrimSpace(newCfg.Jobs.ReminderPlanSpec)),
			logx.Int("jobs.default_reminder_hour", newCfg.Jobs.DefaultReminderHour),
		)
	}

	// Push worker. Section may be nil (omitted); treat nil as runtime
	// defaults so the summary reflects effective settings.
	defP := &PushConfig{
		Enabled:       true,
		Workers:       2,
		PollInterval:  "15s",
		BatchSize:     100,
		RatePerSec:    5,
		RetryMax:      3,
		RetryBase:     "30s",
		RetryMaxDelay: "10m",
	}
	oldP := oldCfg.Push
	newP := newCfg.Push
	if oldP == nil {
		oldP = defP
	}
	if newP == nil {
		newP = defP
	}
	if !reflect.DeepEqual(*oldP, *newP) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", newP.Enabled),
			logx.Int("push.workers", newP.Workers),
			logx.Int("push.rate_per_sec", newP.RatePerSec),
			logx.Int("push.retry_max", newP.RetryMax),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Test hooks
	if oldCfg.TestHooks != newCfg.TestHooks {
		changed = append(changed, "test_hooks")
		attrs = append(attrs,
			logx.Bool("test_hooks.allow_time_override", newCfg.TestHooks.AllowTimeOverride),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
