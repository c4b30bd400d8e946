package config

import (
	"time"

	"github.com/vietddude/swarm/internal/infra/notify"
	redisclient "github.com/vietddude/swarm/internal/infra/redis"
	"github.com/vietddude/swarm/internal/infra/storage/sqldb"
	"github.com/vietddude/swarm/internal/processing/batch"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Worker   WorkerConfig       `yaml:"worker"`
	Quota    QuotaConfig        `yaml:"quota"`
	Invite   batch.PacingConfig `yaml:"invite"`
	Reaction batch.PacingConfig `yaml:"reaction"`
	Health   HealthConfig       `yaml:"health"`
	Session  SessionConfig      `yaml:"session"`
	Notify   NotifyConfig       `yaml:"notify"`
	Redis    redisclient.Config `yaml:"redis"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database sqldb.Config       `yaml:"database"` // empty url = in-memory store
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WorkerConfig holds the polling loop settings of one worker process.
type WorkerConfig struct {
	ID                string        `yaml:"id"` // stable across restarts
	BatchSize         int           `yaml:"batch_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RecoveryThreshold time.Duration `yaml:"recovery_threshold"`
	RetryDelay        time.Duration `yaml:"retry_delay"` // first wait after a transient failure, doubled per retry
	RetryDelayMax     time.Duration `yaml:"retry_delay_max"`
	Freshness         time.Duration `yaml:"freshness"`     // heartbeat window
	KeepSessions      bool          `yaml:"keep_sessions"` // process-scoped session pool
	Retention         time.Duration `yaml:"retention"`     // action log and usage history, 0 = keep
}

// QuotaConfig holds the per-account daily action limit.
type QuotaConfig struct {
	DailyLimit int `yaml:"daily_limit"`
}

// HealthConfig holds session probing settings.
type HealthConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	SweepSchedule string `yaml:"sweep_schedule"` // cron spec, empty disables
	Timezone      string `yaml:"timezone"`
}

// SessionConfig points at the session gateway.
type SessionConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig holds summary delivery settings.
type NotifyConfig struct {
	Telegram   notify.TelegramConfig `yaml:"telegram"` // empty token = log sink
	RatePerSec int                   `yaml:"rate_per_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
