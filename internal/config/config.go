package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/khanhnv2901/urlinspect/internal/shared/constants"
)

// TierLimits holds the admission ceilings for one subscription tier.
type TierLimits struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	DailyLimit        int `mapstructure:"daily_limit"`
	BurstLimit        int `mapstructure:"burst_limit"`
	ConcurrentLimit   int `mapstructure:"concurrent_limit"`
}

// ServerConfig configures the REST API transport layer.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AuthToken       string        `mapstructure:"auth_token"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SecurityConfig drives the target validator policy.
type SecurityConfig struct {
	StrictSSRF                 bool     `mapstructure:"strict_ssrf"`
	Production                 bool     `mapstructure:"production"`
	AllowPrivateNetworkTesting bool     `mapstructure:"allow_private_network_testing"`
	AllowedTestDomains         []string `mapstructure:"allowed_test_domains"`
	AllowedPorts               []int    `mapstructure:"allowed_ports"`
}

// AdmissionConfig drives quota windows, sweeps and lock behavior.
type AdmissionConfig struct {
	Tiers               map[string]TierLimits `mapstructure:"tiers"`
	BurstWindow         time.Duration         `mapstructure:"burst_window"`
	CleanupInterval     time.Duration         `mapstructure:"cleanup_interval"`
	MemorySweepInterval time.Duration         `mapstructure:"memory_sweep_interval"`
	MemoryThreshold     int                   `mapstructure:"memory_threshold"`
	LockTimeout         time.Duration         `mapstructure:"lock_timeout"`
}

// FetcherConfig drives the resilient HTTP fetcher.
type FetcherConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ChallengeBackoff time.Duration `mapstructure:"challenge_backoff"`
	RecycleInterval  time.Duration `mapstructure:"recycle_interval"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	MaxConnsPerHost  int           `mapstructure:"max_conns_per_host"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// InspectionConfig drives orchestration deadlines and batch behavior.
type InspectionConfig struct {
	MinTimeout       time.Duration `mapstructure:"min_timeout"`
	MaxTimeout       time.Duration `mapstructure:"max_timeout"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	MaxBatchSize     int           `mapstructure:"max_batch_size"`
	BatchConcurrency int64         `mapstructure:"batch_concurrency"`
	BatchStagger     time.Duration `mapstructure:"batch_stagger"`
}

// Config is the root configuration tree loaded from file, env and flags.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Security   SecurityConfig   `mapstructure:"security"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Fetcher    FetcherConfig    `mapstructure:"fetcher"`
	Inspection InspectionConfig `mapstructure:"inspection"`
	LogFile    string           `mapstructure:"log_file"`
}

// Default returns the configuration used when nothing is overridden.
// Tier ceilings mirror the documented free < premium < enterprise ordering.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			RateLimit:       10,
			RateBurst:       20,
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			StrictSSRF: true,
			Production: true,
			AllowedTestDomains: []string{
				"example.com",
				"www.example.com",
				"httpbin.org",
				"httpbingo.org",
				"badssl.com",
				"postman-echo.com",
				"jsonplaceholder.typicode.com",
			},
			AllowedPorts: []int{80, 443, 8080, 8443},
		},
		Admission: AdmissionConfig{
			Tiers: map[string]TierLimits{
				"free":       {RequestsPerMinute: 10, DailyLimit: 100, BurstLimit: 3, ConcurrentLimit: 2},
				"premium":    {RequestsPerMinute: 100, DailyLimit: 5000, BurstLimit: 10, ConcurrentLimit: 5},
				"enterprise": {RequestsPerMinute: 1000, DailyLimit: 50000, BurstLimit: 50, ConcurrentLimit: 20},
			},
			BurstWindow:         10 * time.Second,
			CleanupInterval:     5 * time.Minute,
			MemorySweepInterval: 30 * time.Second,
			MemoryThreshold:     10000,
			LockTimeout:         constants.LockHardCap,
		},
		Fetcher: FetcherConfig{
			MaxRetries:       3,
			RetryDelay:       time.Second,
			ChallengeBackoff: 5 * time.Second,
			RecycleInterval:  10 * time.Minute,
			MaxIdleConns:     50,
			MaxConnsPerHost:  10,
			UserAgent:        "Mozilla/5.0 (compatible; urlinspect/1.0)",
		},
		Inspection: InspectionConfig{
			MinTimeout:       constants.MinInspectionTimeout,
			MaxTimeout:       constants.MaxInspectionTimeout,
			DefaultTimeout:   constants.DefaultInspectionTimeout,
			MaxBatchSize:     constants.MaxBatchSize,
			BatchConcurrency: constants.BatchConcurrency,
			BatchStagger:     constants.BatchStagger,
		},
	}
}

// Load overlays viper-provided settings onto the defaults. Unset keys keep
// their default value, so a partial config file is always valid.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if v == nil {
		return cfg, nil
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
