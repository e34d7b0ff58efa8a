// Package config loads and validates crawlorch service configuration via
// Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures every configuration knob the orchestration subsystem
// reads, loaded from file and/or environment (CRAWLORCH_* variables).
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publish   PublishConfig   `mapstructure:"publish"`
}

// ServerConfig controls the thin HTTP surface (C8).
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// QueueConfig selects and configures the Queue Provider (C2).
type QueueConfig struct {
	// Provider is "broker" or "cloud-tasks" (spec.md's QUEUE_PROVIDER:
	// bull | cloud-tasks, renamed to the backend family actually used).
	Provider string `mapstructure:"provider"`

	Broker     BrokerConfig     `mapstructure:"broker"`
	CloudTasks CloudTasksConfig `mapstructure:"cloud_tasks"`
}

// BrokerConfig configures the Redis-backed broker variant (asynq).
type BrokerConfig struct {
	Addr      string `mapstructure:"addr"`
	QueueName string `mapstructure:"queue_name"`
	// KeyPrefix and QueueName are loaded but not passed to the broker,
	// which uses asynq's critical/default/low queues under asynq's own
	// Redis key layout; see DESIGN.md.
	KeyPrefix      string `mapstructure:"key_prefix"`
	LockDurationMs int    `mapstructure:"lock_duration_ms"`
	MaxStalledCount int   `mapstructure:"max_stalled_count"`
}

// CloudTasksConfig configures the task-dispatcher-backed variant.
type CloudTasksConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	Location           string `mapstructure:"location"`
	QueueName          string `mapstructure:"queue_name"`
	ServiceURL         string `mapstructure:"service_url"`
	ServiceAccountEmail string `mapstructure:"service_account_email"`
}

// StoreConfig configures the durable State Store (C1) and its archival
// sweep (C9).
type StoreConfig struct {
	RedisAddr         string `mapstructure:"redis_addr"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	ResultBudgetBytes int    `mapstructure:"result_budget_bytes"`

	ArchiveDSN       string `mapstructure:"archive_dsn"`
	ArchiveAfterHours int   `mapstructure:"archive_after_hours"`
}

// RateLimitConfig configures the token-bucket Rate Limiter (C3).
type RateLimitConfig struct {
	// Unlimited, when true, routes every bucket through a no-op
	// always-allow implementation. Local testing only; see spec.md §9's
	// fourth Open Question.
	Unlimited bool `mapstructure:"unlimited"`

	// Table[mode][planKey] = points per 60s window. Every mode row must
	// carry at least a "default" entry.
	Table map[string]map[string]int `mapstructure:"table"`

	TestSuiteTokens []string `mapstructure:"test_suite_tokens"`
	DevTeamID       string   `mapstructure:"dev_team_id"`
	DevPoints       int      `mapstructure:"dev_points"`
	ManualTeamIDs   []string `mapstructure:"manual_team_ids"`
	ManualPoints    int      `mapstructure:"manual_points"`
}

// WorkerConfig tunes the Worker Loop (C6); field names track spec.md §6's
// environment options.
type WorkerConfig struct {
	JobLockExtendIntervalMs        int     `mapstructure:"job_lock_extend_interval_ms"`
	JobLockExtensionTimeMs         int     `mapstructure:"job_lock_extension_time_ms"`
	CantAcceptConnectionIntervalMs int     `mapstructure:"cant_accept_connection_interval_ms"`
	ConnectionMonitorIntervalMs    int     `mapstructure:"connection_monitor_interval_ms"`
	GotJobIntervalMs               int     `mapstructure:"got_job_interval_ms"`
	MaxCPU                         float64 `mapstructure:"max_cpu"`
	MaxRAM                         float64 `mapstructure:"max_ram"`
	MaxEmptyPolls                  int     `mapstructure:"max_empty_polls"`
	EmptyPollBaseMs                int     `mapstructure:"empty_poll_base_ms"`
	EmptyPollCapMs                 int     `mapstructure:"empty_poll_cap_ms"`
	ResourceSampleCacheMs          int     `mapstructure:"resource_sample_cache_ms"`
	ShutdownGracePeriodSeconds     int     `mapstructure:"shutdown_grace_period_seconds"`
	BlockedHosts                   []string `mapstructure:"blocked_hosts"`
	Concurrency                    int     `mapstructure:"concurrency"`
}

// ScrapeConfig configures the Scrape Orchestrator (C7) and its local
// fallback (C12).
type ScrapeConfig struct {
	BrowserURL     string `mapstructure:"browser_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RetryDelayMs   int    `mapstructure:"retry_delay_ms"`
	MaxPartialDocs int    `mapstructure:"max_partial_docs"`

	LocalFallback bool `mapstructure:"local_fallback"`
}

// BlobConfig configures the Overflow Blob Store (C10).
type BlobConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PublishConfig configures the Completion Publisher (C11).
type PublishConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from an optional file path plus environment
// overrides under the CRAWLORCH_ prefix.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)

	v.SetDefault("queue.provider", "broker")
	v.SetDefault("queue.broker.queue_name", "scrapeQueue")
	v.SetDefault("queue.broker.key_prefix", "crawlorch")
	v.SetDefault("queue.broker.lock_duration_ms", 30000)
	v.SetDefault("queue.broker.max_stalled_count", 3)

	v.SetDefault("store.key_prefix", "crawlorch")
	v.SetDefault("store.result_budget_bytes", 990000)
	v.SetDefault("store.archive_after_hours", 25)

	v.SetDefault("ratelimit.dev_points", 1200)
	v.SetDefault("ratelimit.manual_points", 2000)
	v.SetDefault("ratelimit.table", map[string]map[string]int{
		"crawl":       {"free": 2, "starter": 10, "standard": 5, "scale": 50, "growth": 50, "default": 3},
		"scrape":      {"free": 10, "starter": 100, "standard": 100, "scale": 500, "growth": 1000, "default": 20},
		"search":      {"free": 5, "starter": 50, "standard": 50, "scale": 500, "growth": 500, "default": 20},
		"map":         {"default": 20},
		"preview":     {"default": 20},
		"account":     {"default": 60},
		"crawlStatus": {"default": 120},
		"testSuite":   {"default": 1000000},
	})

	v.SetDefault("worker.job_lock_extend_interval_ms", 30000)
	v.SetDefault("worker.job_lock_extension_time_ms", 120000)
	v.SetDefault("worker.cant_accept_connection_interval_ms", 5000)
	v.SetDefault("worker.connection_monitor_interval_ms", 1000)
	v.SetDefault("worker.got_job_interval_ms", 2000)
	v.SetDefault("worker.max_cpu", 0.95)
	v.SetDefault("worker.max_ram", 0.95)
	v.SetDefault("worker.max_empty_polls", 10)
	v.SetDefault("worker.empty_poll_base_ms", 250)
	v.SetDefault("worker.empty_poll_cap_ms", 10000)
	v.SetDefault("worker.resource_sample_cache_ms", 150)
	v.SetDefault("worker.shutdown_grace_period_seconds", 30)
	v.SetDefault("worker.concurrency", 8)

	v.SetDefault("scrape.timeout_seconds", 30)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.retry_delay_ms", 1000)
	v.SetDefault("scrape.max_partial_docs", 50)
	v.SetDefault("scrape.local_fallback", false)

	v.SetDefault("blob.prefix", "overflow")
}

// Validate enforces required values per the selected Queue Provider
// variant and reasonable limits elsewhere.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Queue.Provider {
	case "broker":
		if c.Queue.Broker.Addr == "" {
			return fmt.Errorf("queue.broker.addr must be set when queue.provider=broker")
		}
	case "cloud-tasks":
		ct := c.Queue.CloudTasks
		if ct.ProjectID == "" || ct.Location == "" || ct.QueueName == "" || ct.ServiceURL == "" {
			return fmt.Errorf("queue.cloud_tasks.{project_id,location,queue_name,service_url} must all be set when queue.provider=cloud-tasks")
		}
	default:
		return fmt.Errorf("queue.provider must be one of broker, cloud-tasks, got %q", c.Queue.Provider)
	}
	if c.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr must be set")
	}
	if c.Store.ResultBudgetBytes <= 0 {
		return fmt.Errorf("store.result_budget_bytes must be > 0")
	}
	if c.Scrape.BrowserURL == "" && !c.Scrape.LocalFallback {
		return fmt.Errorf("scrape.browser_url must be set unless scrape.local_fallback is true")
	}
	if c.Worker.MaxCPU <= 0 || c.Worker.MaxCPU > 1 {
		return fmt.Errorf("worker.max_cpu must be in (0,1]")
	}
	if c.Worker.MaxRAM <= 0 || c.Worker.MaxRAM > 1 {
		return fmt.Errorf("worker.max_ram must be in (0,1]")
	}
	if len(c.RateLimit.Table) == 0 {
		return fmt.Errorf("ratelimit.table must not be empty")
	}
	for mode, row := range c.RateLimit.Table {
		if _, ok := row["default"]; !ok {
			return fmt.Errorf("ratelimit.table[%s] must carry a default entry", mode)
		}
	}
	return nil
}
