package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`

	Refresh  RefreshConfig   `json:"refresh"`
	Schedule ScheduleConfig  `json:"schedule"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Worker   WorkerConfig    `json:"worker"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout"`
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
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

// StorageConfig points at the sqlite database holding profiles, guild
// settings and scheduled refreshes.
//
// Example:
//
//	"storage": { "path": "./trackerbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// QueueConfig configures the Redis work queue.
//
// Defaults (when fields are omitted/zero):
//   - addr: "127.0.0.1:6379"
//   - prefix: "trackerbot:scrape"
//   - max_attempts: 3
//   - backoff_base: "5s"
type QueueConfig struct {
	Addr        string `json:"addr"`
	Password    string `json:"password,omitempty"` // do not log
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

// RefreshConfig controls eligibility and throttling of refresh sweeps.
//
// Enabled is a pointer so an omitted key keeps the daily sweep on.
type RefreshConfig struct {
	Enabled              *bool  `json:"enabled,omitempty"`
	RefreshIntervalHours int    `json:"refresh_interval_hours,omitempty"`
	BatchSize            int    `json:"batch_size,omitempty"`
	BatchDelay           string `json:"batch_delay,omitempty"`
	DailyAt              string `json:"daily_at,omitempty"` // "HH:MM"
	Timezone             string `json:"timezone,omitempty"` // IANA name; empty means Local
	Timeout              string `json:"timeout,omitempty"`
}

type ScheduleConfig struct {
	RecoverOverdue  *bool `json:"recover_overdue,omitempty"`
	MaxMetadataKeys int   `json:"max_metadata_keys,omitempty"`
}

// NotifierConfig controls operator notifications.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted the notifier stays disabled.
type NotifierConfig struct {
	Enabled          bool    `json:"enabled"`
	ChatID           int64   `json:"chat_id"`
	ThreadID         int     `json:"thread_id,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
	Burst            int     `json:"burst,omitempty"`
	BreakerThreshold int     `json:"breaker_threshold,omitempty"`
	BreakerTimeout   string  `json:"breaker_timeout,omitempty"`
	SendTimeout      string  `json:"send_timeout,omitempty"`
}

type WorkerConfig struct {
	Enabled      bool    `json:"enabled"`
	Workers      int     `json:"workers,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	FetchTimeout string  `json:"fetch_timeout,omitempty"`
	StaleAfter   string  `json:"stale_after,omitempty"`
	BaseURL      string  `json:"base_url,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
}
