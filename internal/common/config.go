package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration shared by every role
// (master, fetcher, agent and the single-process crawl command).
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Logging     LoggingConfig `toml:"logging"`
	Storage     StorageConfig `toml:"storage"`
	Redis       RedisConfig   `toml:"redis"`
	Crawler     CrawlerConfig `toml:"crawler"`
	Render      RenderConfig  `toml:"render"`
	Master      MasterConfig  `toml:"master"`
	Fetcher     FetcherConfig `toml:"fetcher"`
	Agent       AgentConfig   `toml:"agent"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"` // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`                                             // "stdout", "file"
	TimeFormat string   `toml:"time_format"`                                        // Time format for logs (default: "15:04:05.000")
	Dir        string   `toml:"dir"`                                                // Log directory (default: <exe dir>/logs)
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path" validate:"required"` // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// RedisConfig is used by the shared request queue and dupe filter
type RedisConfig struct {
	Addr      string `toml:"addr"`       // host:port, empty disables redis backends
	Password  string `toml:"password"`   // Optional AUTH password
	DB        int    `toml:"db"`         // Database index
	KeyPrefix string `toml:"key_prefix"` // Prefix for all keys (default: "spindle")
}

// CrawlerConfig controls a single crawl run (Crawler + Runner)
type CrawlerConfig struct {
	DownloaderClients  int               `toml:"downloader_clients" validate:"min=1"`                    // Number of concurrent fetch workers
	QueueSize          int               `toml:"queue_size" validate:"min=1"`                            // Capacity of the in-memory request queue
	QueueBackend       string            `toml:"queue_backend" validate:"oneof=memory redis"`            // "memory" or "redis"
	DupeFilter         string            `toml:"dupe_filter" validate:"oneof=set bloom redis none"`      // Dedupe strategy
	BloomCapacity      uint              `toml:"bloom_capacity"`                                         // Expected fingerprints for the bloom filter
	BloomFalsePositive float64           `toml:"bloom_false_positive" validate:"gte=0,lt=1"`             // Bloom false positive rate
	Snapshot           bool              `toml:"snapshot"`                                               // Persist queue and dupe state on shutdown
	SuperviseInterval  time.Duration     `toml:"supervise_interval"`                                     // How often the supervisor checks completion
	RequestTimeout     time.Duration     `toml:"request_timeout"`                                        // Default per-request timeout
	VerifySSL          bool              `toml:"verify_ssl"`                                             // Verify TLS certificates
	Linger             int               `toml:"linger"`                                                 // SO_LINGER seconds, negative leaves the OS default
	MaxBodySize        int64             `toml:"max_body_size"`                                          // Maximum response body size in bytes
	HTTPErrorStatus    []string          `toml:"http_error_status"`                                      // Status patterns the downloader reports as HTTPError
	UserAgent          string            `toml:"user_agent"`                                             // Default user agent string
	DefaultHeaders     map[string]string `toml:"default_headers"`                                        // Headers added to every request
	Proxy              string            `toml:"proxy"`                                                  // Static proxy for every request
	AgentURL           string            `toml:"agent_url"`                                              // Proxy agent to pull rotating proxies from
	ProxyRefresh       time.Duration     `toml:"proxy_refresh"`                                          // How often the proxy stage refreshes its list
	ProxyCount         int               `toml:"proxy_count"`                                            // Proxies requested per refresh
	MaxRetryTimes      int               `toml:"max_retry_times" validate:"gte=0"`                       // Default retry limit
	RetryHTTPStatus    []string          `toml:"retry_http_status"`                                      // Status patterns that trigger a retry
	RetryBackoff       time.Duration     `toml:"retry_backoff"`                                          // Base delay before a retry is rescheduled
	SpeedLimit         float64           `toml:"speed_limit"`                                            // Requests per second, 0 disables
	SpeedLimitBurst    int               `toml:"speed_limit_burst"`                                      // Burst allowance for speed_limit
	FollowRobotsTxt    bool              `toml:"follow_robots_txt"`                                      // Respect robots.txt rules
	MaxDepth           int               `toml:"max_depth" validate:"gte=0"`                             // Maximum crawl depth, 0 is unlimited
	ItemOutput         string            `toml:"item_output"`                                            // JSON lines file for scraped items
	Extensions         []string          `toml:"extensions"`                                             // Ordered stage names
}

// RenderConfig controls the chromedp-backed render pool
type RenderConfig struct {
	Enabled      bool          `toml:"enabled"`                       // Start browser instances
	MaxInstances int           `toml:"max_instances" validate:"gte=0"` // Browser pool size
	Headless     bool          `toml:"headless"`                      // Run without a window
	WaitTime     time.Duration `toml:"wait_time"`                     // Time to let JavaScript settle
	UserAgent    string        `toml:"user_agent"`                    // Browser user agent
}

// MasterConfig is the task registry role
type MasterConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port" validate:"gte=0,lte=65535"`
	FetcherTimeout time.Duration `toml:"fetcher_timeout"` // Fetchers silent for longer are evicted
}

// FetcherConfig is the download worker role
type FetcherConfig struct {
	ID                string        `toml:"id"`                 // Fetcher identity, generated when empty
	MasterURL         string        `toml:"master_url"`         // Base URL of the master
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"` // How often progress is reported
}

// AgentConfig is the proxy pool role
type AgentConfig struct {
	Host                string        `toml:"host"`
	Port                int           `toml:"port" validate:"gte=0,lte=65535"`
	QueueSize           int           `toml:"queue_size" validate:"min=1"`        // Active tier capacity
	BackupSize          int           `toml:"backup_size" validate:"min=1"`       // Backup tier capacity
	CheckURL            string        `toml:"check_url"`                          // URL fetched through a proxy to test it
	CheckTimeout        time.Duration `toml:"check_timeout"`                      // Per check timeout
	CheckConcurrency    int           `toml:"check_concurrency" validate:"min=1"` // Concurrent outbound checks
	CheckInterval       time.Duration `toml:"check_interval"`                     // Delay before an active proxy is rechecked
	BackupCheckInterval time.Duration `toml:"backup_check_interval"`              // Delay before a backup proxy is rechecked
	MaxFailTimes        int           `toml:"max_fail_times" validate:"min=1"`    // Consecutive failures before a proxy is dropped
	BlockTime           time.Duration `toml:"block_time"`                         // Addresses seen within this window are ignored
	PollInterval        time.Duration `toml:"poll_interval"`                      // Check loop sleep when nothing is due
	DBCommitEvery       int           `toml:"db_commit_every" validate:"min=1"`   // Batch size for last-check writes
	Sources             []string      `toml:"sources"`                            // URLs serving newline separated proxy lists
	SourceSchedule      string        `toml:"source_schedule"`                    // Cron expression for source refresh
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Redis: RedisConfig{
			KeyPrefix: "spindle",
		},
		Crawler: CrawlerConfig{
			DownloaderClients:  8,
			QueueSize:          100000,
			QueueBackend:       "memory",
			DupeFilter:         "set",
			BloomCapacity:      1000000,
			BloomFalsePositive: 0.001,
			SuperviseInterval:  5 * time.Second,
			RequestTimeout:     30 * time.Second,
			VerifySSL:          true,
			Linger:             -1,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			UserAgent:          "Mozilla/5.0 (compatible; spindle/1.0)",
			ProxyRefresh:       time.Minute,
			ProxyCount:         20,
			MaxRetryTimes:      3,
			RetryHTTPStatus:    []string{"50x", "429", "408"},
			RetryBackoff:       0,
			SpeedLimitBurst:    1,
			FollowRobotsTxt:    false,
			Extensions: []string{
				"default_headers",
				"user_agent",
				"proxy",
				"speed_limit",
				"robots_txt",
				"retry",
				"max_depth",
				"json_lines",
			},
		},
		Render: RenderConfig{
			Enabled:      false,
			MaxInstances: 2,
			Headless:     true,
			WaitTime:     2 * time.Second,
		},
		Master: MasterConfig{
			Host:           "localhost",
			Port:           6070,
			FetcherTimeout: 30 * time.Second,
		},
		Fetcher: FetcherConfig{
			MasterURL:         "http://localhost:6070",
			HeartbeatInterval: 5 * time.Second,
		},
		Agent: AgentConfig{
			Host:                "localhost",
			Port:                6071,
			QueueSize:           100,
			BackupSize:          500,
			CheckURL:            "http://www.example.com/",
			CheckTimeout:        10 * time.Second,
			CheckConcurrency:    16,
			CheckInterval:       5 * time.Minute,
			BackupCheckInterval: 10 * time.Minute,
			MaxFailTimes:        3,
			BlockTime:           time.Hour,
			PollInterval:        time.Second,
			DBCommitEvery:       100,
			SourceSchedule:      "*/30 * * * *",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied by the caller afterwards.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies SPINDLE_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SPINDLE_ENV"); env != "" {
		config.Environment = env
	}

	// Logging configuration
	if level := os.Getenv("SPINDLE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("SPINDLE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("SPINDLE_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if addr := os.Getenv("SPINDLE_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("SPINDLE_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	// Crawler configuration
	if clients := os.Getenv("SPINDLE_DOWNLOADER_CLIENTS"); clients != "" {
		if c, err := strconv.Atoi(clients); err == nil {
			config.Crawler.DownloaderClients = c
		}
	}
	if backend := os.Getenv("SPINDLE_QUEUE_BACKEND"); backend != "" {
		config.Crawler.QueueBackend = backend
	}
	if filter := os.Getenv("SPINDLE_DUPE_FILTER"); filter != "" {
		config.Crawler.DupeFilter = filter
	}
	if agentURL := os.Getenv("SPINDLE_AGENT_URL"); agentURL != "" {
		config.Crawler.AgentURL = agentURL
	}

	// Role configuration
	if host := os.Getenv("SPINDLE_MASTER_HOST"); host != "" {
		config.Master.Host = host
	}
	if port := os.Getenv("SPINDLE_MASTER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Master.Port = p
		}
	}
	if masterURL := os.Getenv("SPINDLE_MASTER_URL"); masterURL != "" {
		config.Fetcher.MasterURL = masterURL
	}
	if id := os.Getenv("SPINDLE_FETCHER_ID"); id != "" {
		config.Fetcher.ID = id
	}
	if host := os.Getenv("SPINDLE_AGENT_HOST"); host != "" {
		config.Agent.Host = host
	}
	if port := os.Getenv("SPINDLE_AGENT_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Agent.Port = p
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, logLevel string) {
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks struct constraints and the cron expression of the agent
// source schedule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Agent.Sources) > 0 {
		if err := ValidateSchedule(c.Agent.SourceSchedule); err != nil {
			return fmt.Errorf("invalid agent.source_schedule: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard five field cron expression
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct.
// Runners clone the process config before applying per-task overrides.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = append([]string(nil), c.Logging.Output...)
	}
	if len(c.Crawler.HTTPErrorStatus) > 0 {
		clone.Crawler.HTTPErrorStatus = append([]string(nil), c.Crawler.HTTPErrorStatus...)
	}
	if len(c.Crawler.RetryHTTPStatus) > 0 {
		clone.Crawler.RetryHTTPStatus = append([]string(nil), c.Crawler.RetryHTTPStatus...)
	}
	if len(c.Crawler.Extensions) > 0 {
		clone.Crawler.Extensions = append([]string(nil), c.Crawler.Extensions...)
	}
	if len(c.Agent.Sources) > 0 {
		clone.Agent.Sources = append([]string(nil), c.Agent.Sources...)
	}
	if len(c.Crawler.DefaultHeaders) > 0 {
		clone.Crawler.DefaultHeaders = make(map[string]string, len(c.Crawler.DefaultHeaders))
		for k, v := range c.Crawler.DefaultHeaders {
			clone.Crawler.DefaultHeaders[k] = v
		}
	}

	return &clone
}

// ApplyTaskArgs overrides crawler settings from task arguments. Unknown keys
// are left for the spider.
func (c *Config) ApplyTaskArgs(args map[string]string) error {
	for key, value := range args {
		switch key {
		case "downloader_clients":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid downloader_clients %q: %w", value, err)
			}
			c.Crawler.DownloaderClients = n
		case "max_depth":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid max_depth %q: %w", value, err)
			}
			c.Crawler.MaxDepth = n
		case "speed_limit":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("invalid speed_limit %q: %w", value, err)
			}
			c.Crawler.SpeedLimit = f
		case "item_output":
			c.Crawler.ItemOutput = value
		}
	}
	return nil
}
