package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

// Defaults applied by Load.
const (
	DefaultPort              = 8080
	DefaultBatchSize         = 50
	DefaultPollInterval      = 5 * time.Second
	DefaultRecoveryThreshold = 10 * time.Minute
	DefaultRetryDelay        = 30 * time.Second
	DefaultRetryDelayMax     = 10 * time.Minute
	DefaultFreshness         = 60 * time.Second
	DefaultDailyLimit        = 50
	DefaultProbeConcurrency  = 3
	DefaultNotifyRate        = 1
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, expands ${ENV} references, applies
// defaults and then SWARM_* environment overrides.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}

	w := &cfg.Worker
	if w.ID == "" {
		w.ID = defaultWorkerID()
	}
	if w.BatchSize == 0 {
		w.BatchSize = DefaultBatchSize
	}
	if w.PollInterval == 0 {
		w.PollInterval = DefaultPollInterval
	}
	if w.RecoveryThreshold == 0 {
		w.RecoveryThreshold = DefaultRecoveryThreshold
	}
	if w.RetryDelay == 0 {
		w.RetryDelay = DefaultRetryDelay
	}
	if w.RetryDelayMax == 0 {
		w.RetryDelayMax = DefaultRetryDelayMax
	}
	if w.Freshness == 0 {
		w.Freshness = DefaultFreshness
	}

	if cfg.Quota.DailyLimit == 0 {
		cfg.Quota.DailyLimit = DefaultDailyLimit
	}

	// invite pacing: 30s base with equal jitter
	if cfg.Invite.Base == 0 {
		cfg.Invite.Base = 30 * time.Second
	}
	if cfg.Invite.Jitter == 0 {
		cfg.Invite.Jitter = cfg.Invite.Base
	}
	if cfg.Invite.BatchMin == 0 {
		cfg.Invite.BatchMin = 40 * time.Second
	}
	if cfg.Invite.BatchMax == 0 {
		cfg.Invite.BatchMax = 180 * time.Second
	}

	if cfg.Reaction.Base == 0 {
		cfg.Reaction.Base = 3 * time.Second
	}
	if cfg.Reaction.Jitter == 0 {
		cfg.Reaction.Jitter = cfg.Reaction.Base
	}

	if cfg.Health.Concurrency == 0 {
		cfg.Health.Concurrency = DefaultProbeConcurrency
	}
	if cfg.Health.Timezone == "" {
		cfg.Health.Timezone = "UTC"
	}

	if cfg.Notify.RatePerSec == 0 {
		cfg.Notify.RatePerSec = DefaultNotifyRate
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "swarm:"
	}
}

// applyEnv overrides file values with SWARM_* variables.
func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("SWARM_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("SWARM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SWARM_BATCH_SIZE", &cfg.Worker.BatchSize},
		{"SWARM_DAILY_LIMIT", &cfg.Quota.DailyLimit},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SWARM_POLL_INTERVAL", &cfg.Worker.PollInterval},
		{"SWARM_RETRY_DELAY", &cfg.Worker.RetryDelay},
		{"SWARM_INVITE_DELAY", &cfg.Invite.Base},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.key, v, err)
		}
		*e.dst = d
	}

	// SWARM_BATCH_DELAY is "min-max", e.g. "40s-180s" or "40-180"
	if v := os.Getenv("SWARM_BATCH_DELAY"); v != "" {
		lo, hi, ok := strings.Cut(v, "-")
		if !ok {
			return fmt.Errorf("invalid SWARM_BATCH_DELAY %q: want min-max", v)
		}
		minD, err := parseDuration(lo)
		if err != nil {
			return fmt.Errorf("invalid SWARM_BATCH_DELAY %q: %w", v, err)
		}
		maxD, err := parseDuration(hi)
		if err != nil {
			return fmt.Errorf("invalid SWARM_BATCH_DELAY %q: %w", v, err)
		}
		if maxD < minD {
			return fmt.Errorf("invalid SWARM_BATCH_DELAY %q: max below min", v)
		}
		cfg.Invite.BatchMin, cfg.Invite.BatchMax = minD, maxD
	}
	return nil
}

// parseDuration accepts Go durations or a bare number of seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

func defaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-" + uuid.NewString()[:8]
}
