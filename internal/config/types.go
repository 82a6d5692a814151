package config

// Config is the full application configuration, loaded once at startup.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	User     UserConfig     `json:"user"`
	Logging  LoggingConfig  `json:"logging"`
	Tracker  TrackerConfig  `json:"tracker"`
	Engine   EngineConfig   `json:"engine"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Telegram TelegramConfig `json:"telegram"`
	HTTP     HTTPConfig     `json:"http"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// UserConfig identifies whose notifications this instance decides.
type UserConfig struct {
	// Name matches tracker assignee values (e.g. "ivan").
	Name string `json:"name"`
	// MentionAliases are strings whose presence in a comment counts as a
	// mention (e.g. "@ivanivanka"). Matching is case-insensitive.
	MentionAliases []string `json:"mention_aliases,omitempty"`
}

// TrackerConfig points at the item snapshot the sync process maintains.
type TrackerConfig struct {
	// SnapshotPath is a JSON array of normalized items.
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// EngineConfig controls the periodic decision pass.
type EngineConfig struct {
	// PassInterval is how often the full pass runs. Default "15m".
	PassInterval string `json:"pass_interval,omitempty"`
	// Timezone for calendar-day math (IANA name). Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// RulesPath points at the notification rules YAML file.
	// Reload is explicit (POST /api/v0/rules/reload); the engine never
	// hot-applies file changes.
	RulesPath string `json:"rules_path,omitempty"`
}

// StorageConfig controls notification-state persistence.
//
// Driver values: "sqlite" (default) or "none" (in-memory only; state is
// lost on restart and every event re-fires once).
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DispatchConfig controls the delivery pipeline.
type DispatchConfig struct {
	Channel       string `json:"channel,omitempty"` // "telegram" | "log"
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	QuietHours QuietHoursConfig `json:"quiet_hours"`
}

// QuietHoursConfig suppresses non-time-critical deliveries inside the
// window. Overnight windows (start > end) are supported.
type QuietHoursConfig struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"` // "HH:MM"
	End     string `json:"end,omitempty"`   // "HH:MM"
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// PollTimeout is a Go duration string for the long poller.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// HTTPConfig controls the webhook/diagnostics server.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8090"

	// Webhook HMAC secrets. Empty skips signature verification.
	GitHubSecret  string `json:"github_secret,omitempty"`
	ClickUpSecret string `json:"clickup_secret,omitempty"`
}

// KafkaConfig enables the relay-topic intake: upstream gateways that
// terminate provider webhooks can forward them on a topic instead of
// (or in addition to) direct HTTP delivery.
type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
}
