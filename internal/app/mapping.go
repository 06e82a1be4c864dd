package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"trackerbot/internal/config"
	"trackerbot/internal/notifier"
	"trackerbot/internal/queue"
	"trackerbot/internal/refresh"
	"trackerbot/internal/schedule"
	"trackerbot/internal/storage"
	"trackerbot/internal/task/scheduler"
	"trackerbot/internal/transport/telegram"
	"trackerbot/internal/worker"
	logx "trackerbot/pkg/logx"
)

const defaultRedisAddr = "127.0.0.1:6379"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, time.Duration, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, 0, errors.New("telegram.token is required")
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, 0, err
	}
	cmdTimeout, err := config.ParseDurationOrDefault("telegram.command_timeout", tc.CommandTimeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, 0, err
	}
	if tc.Workers < 0 {
		return telegram.Config{}, 0, errors.New("telegram.workers must be >= 0")
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		PollTimeout:    poll,
		Workers:        tc.Workers,
		HandlerTimeout: cmdTimeout,
	}, cmdTimeout, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, errors.New("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	addr := strings.TrimSpace(qc.Addr)
	if addr == "" {
		addr = defaultRedisAddr
	}
	if qc.MaxAttempts < 0 {
		return queue.Config{}, errors.New("queue.max_attempts must be >= 0")
	}
	if qc.Priority < 0 {
		return queue.Config{}, errors.New("queue.priority must be >= 0")
	}
	backoff, err := config.ParseDurationField("queue.backoff_base", qc.BackoffBase)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Addr:        addr,
		Password:    qc.Password,
		DB:          qc.DB,
		Prefix:      strings.TrimSpace(qc.Prefix),
		MaxAttempts: qc.MaxAttempts,
		BackoffBase: backoff,
		Priority:    qc.Priority,
	}, nil
}

// mapRefreshConfig also returns the trigger timezone, which belongs to the
// cron service rather than the sweep.
func mapRefreshConfig(cfg *config.Config) (refresh.Config, scheduler.Config, error) {
	rc := cfg.Refresh
	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}
	if rc.RefreshIntervalHours < 0 {
		return refresh.Config{}, scheduler.Config{}, errors.New("refresh.refresh_interval_hours must be >= 0")
	}
	if rc.BatchSize < 0 {
		return refresh.Config{}, scheduler.Config{}, errors.New("refresh.batch_size must be >= 0")
	}
	delay, err := config.ParseDurationField("refresh.batch_delay", rc.BatchDelay)
	if err != nil {
		return refresh.Config{}, scheduler.Config{}, err
	}
	timeout, err := config.ParseDurationField("refresh.timeout", rc.Timeout)
	if err != nil {
		return refresh.Config{}, scheduler.Config{}, err
	}
	at := strings.TrimSpace(rc.DailyAt)
	if at != "" {
		if _, _, err := scheduler.ParseHHMM(at); err != nil {
			return refresh.Config{}, scheduler.Config{}, fmt.Errorf("refresh.daily_at: %w", err)
		}
	}
	tz := strings.TrimSpace(rc.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return refresh.Config{}, scheduler.Config{}, fmt.Errorf("refresh.timezone: invalid %q: %w", tz, err)
		}
	}
	return refresh.Config{
		Enabled:         enabled,
		RefreshInterval: time.Duration(rc.RefreshIntervalHours) * time.Hour,
		BatchSize:       rc.BatchSize,
		BatchDelay:      delay,
		DailyAt:         at,
		Timeout:         timeout,
	}, scheduler.Config{Timezone: tz}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	sc := cfg.Schedule
	recoverOverdue := true
	if sc.RecoverOverdue != nil {
		recoverOverdue = *sc.RecoverOverdue
	}
	if sc.MaxMetadataKeys < 0 {
		return schedule.Config{}, errors.New("schedule.max_metadata_keys must be >= 0")
	}
	return schedule.Config{RecoverOverdue: recoverOverdue, MaxMetadataKeys: sc.MaxMetadataKeys}, nil
}

// mapNotifierConfig treats an omitted section as disabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, nil
	}
	if nc.Enabled && nc.ChatID == 0 {
		return notifier.Config{}, errors.New("notifier.chat_id is required when notifier.enabled is true")
	}
	if nc.RatePerSec < 0 || nc.Burst < 0 || nc.BreakerThreshold < 0 {
		return notifier.Config{}, errors.New("notifier rate_per_sec, burst and breaker_threshold must be >= 0")
	}
	breakerTimeout, err := config.ParseDurationField("notifier.breaker_timeout", nc.BreakerTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:          nc.Enabled,
		ChatID:           nc.ChatID,
		ThreadID:         nc.ThreadID,
		RatePerSec:       nc.RatePerSec,
		Burst:            nc.Burst,
		BreakerThreshold: nc.BreakerThreshold,
		BreakerTimeout:   breakerTimeout,
		SendTimeout:      sendTimeout,
	}, nil
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, worker.HTTPConfig, error) {
	wc := cfg.Worker
	if wc.Workers < 0 || wc.RatePerSec < 0 {
		return worker.Config{}, worker.HTTPConfig{}, errors.New("worker.workers and worker.rate_per_sec must be >= 0")
	}
	fetch, err := config.ParseDurationField("worker.fetch_timeout", wc.FetchTimeout)
	if err != nil {
		return worker.Config{}, worker.HTTPConfig{}, err
	}
	stale, err := config.ParseDurationField("worker.stale_after", wc.StaleAfter)
	if err != nil {
		return worker.Config{}, worker.HTTPConfig{}, err
	}
	return worker.Config{Enabled: wc.Enabled, Workers: wc.Workers, StaleAfter: stale},
		worker.HTTPConfig{
			BaseURL:    strings.TrimSpace(wc.BaseURL),
			Timeout:    fetch,
			RatePerSec: wc.RatePerSec,
			UserAgent:  strings.TrimSpace(wc.UserAgent),
		}, nil
}

// validateConfig runs every mapper so a reload is rejected as a whole.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapQueueConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRefreshConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapWorkerConfig(cfg); err != nil {
		return err
	}
	return nil
}
