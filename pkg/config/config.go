package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all voxgate configuration.
type Config struct {
	Listen        string             `yaml:"listen" envconfig:"VOXGATE_LISTEN"`
	LedgerPath    string             `yaml:"ledger_path" envconfig:"VOXGATE_LEDGER_PATH"`
	AuditDBPath   string             `yaml:"audit_db_path" envconfig:"VOXGATE_AUDIT_DB_PATH"`
	HistoryDBPath string             `yaml:"history_db_path" envconfig:"VOXGATE_HISTORY_DB_PATH"`
	ModelLimits   map[string]Limits  `yaml:"model_limits" ignored:"true"`
	Pool          PoolConfig         `yaml:"pool"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Rotation      RotationConfig     `yaml:"rotation"`
	Upstream      UpstreamConfig     `yaml:"upstream"`
	Jobs          JobsConfig         `yaml:"jobs"`
}

// Limits defines rate limits for one model key. Zero means unbounded.
type Limits struct {
	RPM int   `yaml:"rpm"` // requests per minute
	RPD int   `yaml:"rpd"` // requests per day
	CPM int64 `yaml:"cpm"` // cost units per minute
	CPD int64 `yaml:"cpd"` // cost units per day
}

// PoolConfig controls the account worker pool.
type PoolConfig struct {
	MaxConcurrentPerAccount int           `yaml:"max_concurrent_per_account" envconfig:"VOXGATE_MAX_CONCURRENT_PER_ACCOUNT"`
	BatchSize               int           `yaml:"batch_size" envconfig:"VOXGATE_BATCH_SIZE"`
	CollectWait             time.Duration `yaml:"collect_wait"`
	MinUsefulQuota          int64         `yaml:"min_useful_quota"`
	QuotaFreshness          time.Duration `yaml:"quota_freshness"`
	StopJoinTimeout         time.Duration `yaml:"stop_join_timeout"`
}

// SchedulerConfig tunes the assignment fallback search.
type SchedulerConfig struct {
	MaxExtraChecks     int           `yaml:"max_extra_checks"`
	InfeasibleCooldown time.Duration `yaml:"infeasible_cooldown"`
	MaxInfeasibleRuns  int           `yaml:"max_infeasible_runs"`
}

// RotationConfig describes the mobile-proxy rotation provider.
type RotationConfig struct {
	ProxyID        string        `yaml:"proxy_id" envconfig:"VOXGATE_PROXY_ID"`
	APIKey         string        `yaml:"api_key" envconfig:"VOXGATE_PROXY_API_KEY"`
	BaseURL        string        `yaml:"base_url"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RotateTimeout  time.Duration `yaml:"rotate_timeout"`
	MinCallSpacing time.Duration `yaml:"min_call_spacing"`
}

// UpstreamConfig describes the generative-AI upstreams.
type UpstreamConfig struct {
	SpeechBaseURL  string        `yaml:"speech_base_url"`
	ChatBaseURL    string        `yaml:"chat_base_url"`
	ChatAPIKey     string        `yaml:"chat_api_key" envconfig:"VOXGATE_CHAT_API_KEY"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	CleanupSpacing time.Duration `yaml:"cleanup_spacing"`
}

// JobsConfig holds cron schedules for background maintenance.
type JobsConfig struct {
	QuotaRefresh   string `yaml:"quota_refresh"`
	AuditRetention string `yaml:"audit_retention"`
	RetentionDays  int    `yaml:"retention_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:        ":8080",
		LedgerPath:    "accounts.csv",
		AuditDBPath:   "quota_audit.db",
		HistoryDBPath: "history.db",
		ModelLimits: map[string]Limits{
			"default": {RPM: 60, RPD: 10000},
		},
		Pool: PoolConfig{
			MaxConcurrentPerAccount: 2,
			BatchSize:               10,
			CollectWait:             2 * time.Second,
			MinUsefulQuota:          100,
			QuotaFreshness:          5 * time.Minute,
			StopJoinTimeout:         30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			MaxExtraChecks:     20,
			InfeasibleCooldown: 30 * time.Second,
			MaxInfeasibleRuns:  3,
		},
		Rotation: RotationConfig{
			BaseURL:        "https://mobileproxy.space/api.html",
			CacheTTL:       5 * time.Minute,
			PollInterval:   5 * time.Second,
			RotateTimeout:  60 * time.Second,
			MinCallSpacing: 3 * time.Second,
		},
		Upstream: UpstreamConfig{
			SpeechBaseURL:  "https://api.elevenlabs.io",
			ChatBaseURL:    "https://api.openai.com",
			RequestTimeout: 90 * time.Second,
			MaxAttempts:    3,
			CleanupSpacing: 10 * time.Second,
		},
		Jobs: JobsConfig{
			QuotaRefresh:   "0 */6 * * *",
			AuditRetention: "30 3 * * *",
			RetentionDays:  30,
		},
	}
}

// Load reads a YAML config file, expands environment variables, and applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, nil
}
