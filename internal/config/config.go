// Package config loads the control-plane core's runtime knobs from a YAML
// file with environment-variable overrides, following the teacher's own
// config-loading shape (yaml.v3 + env) rather than a flag-parsing library —
// CLI parsing itself is explicitly out of scope (spec §1), but the values it
// would feed in are not, so this package owns only the struct and its
// defaults/validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob named in spec §6 plus the §4.6 deployment knobs.
type Config struct {
	// Listen is the control-stream listen address (scheduler side).
	Listen string `yaml:"listen"`

	// Heartbeat (C1).
	PingCycleMs        int `yaml:"ping_cycle_ms"`
	MaxPingTimeoutNums int `yaml:"max_ping_timeout_nums"`

	// Registration (C2).
	RegisterIntervalMs int `yaml:"register_interval_ms"`
	MaxRegisterTimes   int `yaml:"max_register_times"`

	// Control stream (C3).
	MaxFrameBytes   int `yaml:"max_frame_bytes"`
	ReconnectMinMs  int `yaml:"reconnect_min_ms"`
	ReconnectMaxMs  int `yaml:"reconnect_max_ms"`

	// Scheduler framework (C4).
	SchedulerPlugins []string `yaml:"scheduler_plugins"`
	RelaxedFeasible  int      `yaml:"relaxed_feasible"`

	// Admission / invoke limits.
	TokenBucketCapacity int     `yaml:"token_bucket_capacity"`
	TokenBucketRatePerS float64 `yaml:"token_bucket_rate_per_s"`
	MaxPriority         int     `yaml:"max_priority"`

	// Memory monitor (C6).
	MemLimitFraction  float64 `yaml:"mem_limit_fraction"`
	MemHighWatermark  float64 `yaml:"mem_high_watermark"`
	MemLowWatermark   float64 `yaml:"mem_low_watermark"`
	MsgSizeThreshold  uint64  `yaml:"msg_size_threshold"`

	// Deployment (C6).
	DownloadCodeRetryCount    int           `yaml:"download_code_retry_count"`
	DownloadCodeRetryInterval time.Duration `yaml:"download_code_retry_interval"`
	ClearCodePackageInterval  time.Duration `yaml:"clear_code_package_interval"`
	DeployDir                 string        `yaml:"deploy_dir"`

	// Certificates base path (consumed, not parsed here — TLS loading is
	// out of scope per spec §1).
	CertBasePath string `yaml:"cert_base_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metastore (external collaborator, spec §6).
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// resourceview.Snapshotter (supplementary restart-recovery aid).
	PostgresDSN string `yaml:"postgres_dsn"`

	// C6 remote code fetch.
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`

	// Prometheus /metrics + health listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	// GRPCForwardAddr is the hand-authored ForwardCall RPC listen address
	// used for cross-node call forwarding (spec §4.5 call path step 2).
	GRPCForwardAddr string `yaml:"grpc_forward_addr"`
}

// Default returns a Config populated with the spec's documented defaults
// and floors.
func Default() *Config {
	return &Config{
		Listen:                    "0.0.0.0:7070",
		PingCycleMs:               1000,
		MaxPingTimeoutNums:        12,
		RegisterIntervalMs:        1000,
		MaxRegisterTimes:          12,
		MaxFrameBytes:             4 << 20,
		ReconnectMinMs:            500,
		ReconnectMaxMs:            5000,
		SchedulerPlugins:          nil,
		RelaxedFeasible:           -1,
		TokenBucketCapacity:       100,
		TokenBucketRatePerS:       50,
		MaxPriority:               10,
		MemLimitFraction:          0.8,
		MemHighWatermark:          0.8,
		MemLowWatermark:           0.6,
		MsgSizeThreshold:          20000,
		DownloadCodeRetryCount:    3,
		DownloadCodeRetryInterval: 3 * time.Second,
		ClearCodePackageInterval:  5 * time.Second,
		DeployDir:                 "/var/lib/corefn/deploy",
		LogLevel:                  "info",
		LogFormat:                 "text",
		RedisAddr:                 "localhost:6379",
		RedisDB:                   0,
		MetricsAddr:               "0.0.0.0:9090",
		GRPCForwardAddr:           "0.0.0.0:7071",
	}
}

// Load reads a YAML file at path, starting from Default(), then applies
// any CORFN_*-prefixed environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the floors spec §4.1/§4.2 require regardless of what a
// config file or env override requests.
func (c *Config) Validate() error {
	if c.PingCycleMs < 1000 {
		c.PingCycleMs = 1000
	}
	if c.MaxPingTimeoutNums < 5 {
		c.MaxPingTimeoutNums = 5
	}
	if c.RegisterIntervalMs <= 0 {
		c.RegisterIntervalMs = 1000
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 4 << 20
	}
	if c.MaxFrameBytes > 500<<20 {
		return fmt.Errorf("max_frame_bytes %d exceeds ceiling 500MB", c.MaxFrameBytes)
	}
	if c.DownloadCodeRetryCount <= 0 {
		c.DownloadCodeRetryCount = 3
	}
	if c.DownloadCodeRetryInterval <= 0 {
		c.DownloadCodeRetryInterval = 3 * time.Second
	}
	if c.ClearCodePackageInterval <= 0 {
		c.ClearCodePackageInterval = 5 * time.Second
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CORFN_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("CORFN_PING_CYCLE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PingCycleMs = n
		}
	}
	if v := os.Getenv("CORFN_MAX_PING_TIMEOUT_NUMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPingTimeoutNums = n
		}
	}
	if v := os.Getenv("CORFN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CORFN_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("CORFN_DEPLOY_DIR"); v != "" {
		cfg.DeployDir = v
	}
	if v := os.Getenv("CORFN_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("CORFN_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("CORFN_S3_ENDPOINT"); v != "" {
		cfg.S3Endpoint = v
	}
	if v := os.Getenv("CORFN_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CORFN_GRPC_FORWARD_ADDR"); v != "" {
		cfg.GRPCForwardAddr = v
	}
}
