package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Licensing    LicensingConfig    `yaml:"licensing" envconfig:"LICENSING"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	Connectivity ConnectivityConfig `yaml:"connectivity" envconfig:"CONNECTIVITY"`
	Store        StoreConfig        `yaml:"store" envconfig:"STORE"`
	Notify       NotifyConfig       `yaml:"notify" envconfig:"NOTIFY"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	GlobalRPS       float64       `yaml:"global_rps" envconfig:"GLOBAL_RPS" default:"100"`
	GlobalBurst     int           `yaml:"global_burst" envconfig:"GLOBAL_BURST" default:"50"`
}

// LicensingConfig contains license token issuance and validation settings
type LicensingConfig struct {
	Issuer            string        `yaml:"issuer" envconfig:"ISSUER" default:"universal-workshop-license-authority"`
	TokenTTL          time.Duration `yaml:"token_ttl" envconfig:"TOKEN_TTL" default:"24h"`
	RefreshWindow     time.Duration `yaml:"refresh_window" envconfig:"REFRESH_WINDOW" default:"6h"`
	ClockSkew         time.Duration `yaml:"clock_skew" envconfig:"CLOCK_SKEW" default:"60s"`
	OfflineGraceHours int           `yaml:"offline_grace_hours" envconfig:"OFFLINE_GRACE_HOURS" default:"24"`
	RevocationSweep   time.Duration `yaml:"revocation_sweep" envconfig:"REVOCATION_SWEEP" default:"5m"`
}

// RateLimitConfig contains abuse-protection thresholds
type RateLimitConfig struct {
	Enabled             bool          `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	SuspiciousThreshold int           `yaml:"suspicious_threshold" envconfig:"SUSPICIOUS_THRESHOLD" default:"10"`
	MaliciousThreshold  int           `yaml:"malicious_threshold" envconfig:"MALICIOUS_THRESHOLD" default:"20"`
	SuspiciousBlock     time.Duration `yaml:"suspicious_block" envconfig:"SUSPICIOUS_BLOCK" default:"1h"`
	MaliciousBlock      time.Duration `yaml:"malicious_block" envconfig:"MALICIOUS_BLOCK" default:"24h"`
	ViolationTTL        time.Duration `yaml:"violation_ttl" envconfig:"VIOLATION_TTL" default:"24h"`
	BurstWindow         time.Duration `yaml:"burst_window" envconfig:"BURST_WINDOW" default:"10s"`
}

// ConnectivityConfig contains network monitoring configuration
type ConnectivityConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval" envconfig:"CHECK_INTERVAL" default:"300s"`
	CheckTimeout    time.Duration `yaml:"check_timeout" envconfig:"CHECK_TIMEOUT" default:"10s"`
	QuickTimeout    time.Duration `yaml:"quick_timeout" envconfig:"QUICK_TIMEOUT" default:"3s"`
	MaxFailures     int           `yaml:"max_failures" envconfig:"MAX_FAILURES" default:"3"`
	StopJoinTimeout time.Duration `yaml:"stop_join_timeout" envconfig:"STOP_JOIN_TIMEOUT" default:"5s"`
	QuickCheckHost  string        `yaml:"quick_check_host" envconfig:"QUICK_CHECK_HOST" default:"dns.google"`
	Endpoints       []string      `yaml:"endpoints" envconfig:"ENDPOINTS" default:"https://www.google.com,https://one.one.one.one,tcp://8.8.8.8:443,https://www.msftconnecttest.com/connecttest.txt"`
	HistorySize     int           `yaml:"history_size" envconfig:"HISTORY_SIZE" default:"50"`
}

// StoreConfig contains document store configuration
type StoreConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/licensing.db"`
}

// NotifyConfig contains alert notification configuration.
// URLs are shoutrrr service URLs; empty means notifications are disabled.
type NotifyConfig struct {
	Enabled bool     `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	URLs    []string `yaml:"urls" envconfig:"URLS"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/licensed.log"`
}

// Load loads configuration from environment variables and an optional config file.
// Environment variables use the UW prefix and take precedence over file values.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("UW", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := getConfigFilePath()
	if _, err := os.Stat(configFile); err == nil {
		fileConfig, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// getConfigFilePath returns the config file path, honoring UW_CONFIG_FILE
func getConfigFilePath() string {
	if path := os.Getenv("UW_CONFIG_FILE"); path != "" {
		return path
	}
	return "config.yaml"
}

// loadFromFile reads configuration from a YAML file
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// mergeConfigs overlays environment values on top of file values. envconfig
// has already applied struct defaults, so an env section that still equals
// the defaults defers to the file.
func mergeConfigs(file, env Config) Config {
	merged := file
	defaults := defaultConfig()

	if env.Server != defaults.Server {
		merged.Server = env.Server
	}
	if env.Licensing != defaults.Licensing {
		merged.Licensing = env.Licensing
	}
	if env.RateLimit != defaults.RateLimit {
		merged.RateLimit = env.RateLimit
	}
	if env.Store != defaults.Store {
		merged.Store = env.Store
	}
	if env.Logging != defaults.Logging {
		merged.Logging = env.Logging
	}

	// Slice-bearing sections are not comparable; merge field-wise.
	merged.Connectivity = mergeConnectivity(file.Connectivity, env.Connectivity, defaults.Connectivity)
	if env.Notify.Enabled != defaults.Notify.Enabled || len(env.Notify.URLs) > 0 {
		merged.Notify = env.Notify
	}

	return merged
}

func mergeConnectivity(file, env, def ConnectivityConfig) ConnectivityConfig {
	merged := file
	if env.CheckInterval != def.CheckInterval {
		merged.CheckInterval = env.CheckInterval
	}
	if env.CheckTimeout != def.CheckTimeout {
		merged.CheckTimeout = env.CheckTimeout
	}
	if env.QuickTimeout != def.QuickTimeout {
		merged.QuickTimeout = env.QuickTimeout
	}
	if env.MaxFailures != def.MaxFailures {
		merged.MaxFailures = env.MaxFailures
	}
	if env.StopJoinTimeout != def.StopJoinTimeout {
		merged.StopJoinTimeout = env.StopJoinTimeout
	}
	if env.QuickCheckHost != def.QuickCheckHost {
		merged.QuickCheckHost = env.QuickCheckHost
	}
	if env.HistorySize != def.HistorySize {
		merged.HistorySize = env.HistorySize
	}
	if len(merged.Endpoints) == 0 {
		merged.Endpoints = env.Endpoints
	}
	return merged
}

// defaultConfig returns a Config populated with envconfig struct defaults.
// An unused prefix keeps real environment variables out of the result.
func defaultConfig() Config {
	var cfg Config
	_ = envconfig.Process("UW_DEFAULTS_ONLY_X", &cfg)
	return cfg
}

// validate checks configuration invariants
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Licensing.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive, got %v", c.Licensing.TokenTTL)
	}
	if c.Licensing.RefreshWindow <= 0 || c.Licensing.RefreshWindow >= c.Licensing.TokenTTL {
		return fmt.Errorf("refresh window %v must be positive and shorter than token TTL %v",
			c.Licensing.RefreshWindow, c.Licensing.TokenTTL)
	}
	if c.RateLimit.MaliciousThreshold <= c.RateLimit.SuspiciousThreshold {
		return fmt.Errorf("malicious threshold %d must exceed suspicious threshold %d",
			c.RateLimit.MaliciousThreshold, c.RateLimit.SuspiciousThreshold)
	}
	if c.Connectivity.MaxFailures < 1 {
		return fmt.Errorf("max failures must be at least 1, got %d", c.Connectivity.MaxFailures)
	}
	if len(c.Connectivity.Endpoints) == 0 {
		return fmt.Errorf("at least one connectivity endpoint is required")
	}
	return nil
}

// EnsureDirectories creates the directories referenced by the configuration
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.Logging.FilePath),
	}
	for _, dir := range dirs {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
