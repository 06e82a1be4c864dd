package config

import (
	"reflect"
	"strings"

	logx "trackerbot/pkg/logx"
)

// SummarizeConfigChange returns the changed section names and log fields
// describing the new values. Tokens and passwords are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if trim(ot.Token) != trim(nt.Token) ||
		trim(ot.PollTimeout) != trim(nt.PollTimeout) ||
		trim(ot.CommandTimeout) != trim(nt.CommandTimeout) ||
		ot.Workers != nt.Workers ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.token_changed", trim(ot.Token) != trim(nt.Token)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", trim(newCfg.Storage.Path)))
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.String("queue.addr", trim(newCfg.Queue.Addr)),
			logx.Bool("queue.password_set", newCfg.Queue.Password != ""),
			logx.Int("queue.max_attempts", newCfg.Queue.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Refresh, newCfg.Refresh) {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Int("refresh.batch_size", newCfg.Refresh.BatchSize),
			logx.String("refresh.batch_delay", trim(newCfg.Refresh.BatchDelay)),
			logx.String("refresh.daily_at", trim(newCfg.Refresh.DailyAt)),
			logx.String("refresh.timezone", trim(newCfg.Refresh.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.breaker_threshold", n.BreakerThreshold),
			)
		}
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Bool("worker.enabled", newCfg.Worker.Enabled),
			logx.Int("worker.workers", newCfg.Worker.Workers),
			logx.String("worker.stale_after", newCfg.Worker.StaleAfter),
		)
	}

	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "queue", "worker":
			out = append(out, s)
		}
	}
	return out
}
