// Package config provides configuration management for the exporter.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
	"github.com/wjam/p304m-prometheus-exporter/internal/security"
	"github.com/wjam/p304m-prometheus-exporter/internal/types"
)

// Config holds all configuration settings for the exporter.
type Config struct {
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DeviceAddress string `yaml:"ip_address"`

	Port                   string        `yaml:"port"`
	DeviceTimeout          time.Duration `yaml:"device_timeout"`
	SessionTTL             time.Duration `yaml:"session_ttl"`
	ScrapeInterval         time.Duration `yaml:"scrape_interval"`
	HealthMaxAge           time.Duration `yaml:"health_max_age"`
	HealthFailureThreshold int           `yaml:"health_failure_threshold"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	UseTsnet      bool   `yaml:"use_tsnet"`
	TsnetHostname string `yaml:"tsnet_hostname"`
	TsnetStateDir string `yaml:"tsnet_state_dir"`
	TsnetAuthKey  string `yaml:"-"`

	RateLimitRPS       float64 `yaml:"rate_limit_rps"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
	MetricsBearerToken string  `yaml:"metrics_bearer_token"`

	ConfigFile           string        `yaml:"-"`
	ConfigReloadInterval time.Duration `yaml:"config_reload_interval"`
}

const defaultTsnetHostname = "p304m-exporter"

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:                   "8080",
		DeviceTimeout:          10 * time.Second,
		SessionTTL:             10 * time.Minute,
		HealthMaxAge:           5 * time.Minute,
		HealthFailureThreshold: 3,
		LogLevel:               "info",
		LogFormat:              "text",
		RateLimitRPS:           5,
		RateLimitBurst:         10,
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE and
// environment variables, in increasing order of precedence.
func Load() (Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load with an explicit config file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	cfg.ConfigFile = path
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	loaders := []func() error{
		cfg.loadDeviceSettings,
		cfg.loadNetworkSettings,
		cfg.loadCollectionSettings,
		cfg.loadTsnetSettings,
		cfg.loadLoggingSettings,
		cfg.loadSecuritySettings,
	}
	for _, load := range loaders {
		if err := load(); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (cfg *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	return nil
}

func (cfg *Config) loadDeviceSettings() error {
	setString(&cfg.Username, "TAPO_USERNAME")
	setString(&cfg.Password, "TAPO_PASSWORD")
	setString(&cfg.DeviceAddress, "IP_ADDRESS")
	return nil
}

func (cfg *Config) loadNetworkSettings() error {
	setString(&cfg.Port, "PORT")
	return setDuration(&cfg.DeviceTimeout, "DEVICE_TIMEOUT")
}

func (cfg *Config) loadCollectionSettings() error {
	for _, d := range []struct {
		target *time.Duration
		key    string
	}{
		{&cfg.SessionTTL, "SESSION_TTL"},
		{&cfg.ScrapeInterval, "SCRAPE_INTERVAL"},
		{&cfg.HealthMaxAge, "HEALTH_MAX_AGE"},
		{&cfg.ConfigReloadInterval, "CONFIG_RELOAD_INTERVAL"},
	} {
		if err := setDuration(d.target, d.key); err != nil {
			return err
		}
	}
	return setInt(&cfg.HealthFailureThreshold, "HEALTH_FAILURE_THRESHOLD")
}

func (cfg *Config) loadTsnetSettings() error {
	if v := os.Getenv("USE_TSNET"); v != "" {
		cfg.UseTsnet = strings.ToLower(v) == "true"
	}
	setString(&cfg.TsnetHostname, "TSNET_HOSTNAME")
	setString(&cfg.TsnetStateDir, "TSNET_STATE_DIR")
	setString(&cfg.TsnetAuthKey, "TS_AUTHKEY")
	if cfg.UseTsnet && cfg.TsnetHostname == "" {
		cfg.TsnetHostname = defaultTsnetHostname
	}
	return nil
}

func (cfg *Config) loadLoggingSettings() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	return nil
}

func (cfg *Config) loadSecuritySettings() error {
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.ConfigurationError{Field: "RATE_LIMIT_RPS", Value: v, Reason: "must be a number"}
		}
		cfg.RateLimitRPS = f
	}
	if err := setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST"); err != nil {
		return err
	}
	setString(&cfg.MetricsBearerToken, "METRICS_BEARER_TOKEN")
	return nil
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setDuration accepts Go durations ("30s") as well as plain seconds ("30").
func setDuration(target *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*target = d
		return nil
	}
	if sec, err := strconv.Atoi(v); err == nil {
		*target = time.Duration(sec) * time.Second
		return nil
	}
	return errors.ConfigurationError{Field: key, Value: v, Reason: "must be a duration"}
}

func setInt(target *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.ConfigurationError{Field: key, Value: v, Reason: "must be an integer"}
	}
	*target = n
	return nil
}

// Validate checks the configuration for consistency and required values.
func (cfg Config) Validate() error {
	validators := []func() error{
		cfg.validateDevice,
		cfg.validateLogSettings,
		cfg.validateTsnetSettings,
		cfg.validateNetworkSettings,
		cfg.validateCollectionSettings,
		cfg.validateSecuritySettings,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (cfg Config) validateDevice() error {
	if cfg.Username == "" {
		return errors.ConfigurationError{Field: "TAPO_USERNAME", Reason: "required", Err: errors.ErrMissingCredentials}
	}
	if cfg.Password == "" {
		return errors.ConfigurationError{Field: "TAPO_PASSWORD", Reason: "required", Err: errors.ErrMissingCredentials}
	}
	if cfg.DeviceAddress == "" {
		return errors.ConfigurationError{Field: "IP_ADDRESS", Reason: "required", Err: errors.ErrMissingAddress}
	}
	if err := types.ValidateDeviceAddress(cfg.DeviceAddress); err != nil {
		return errors.ConfigurationError{Field: "IP_ADDRESS", Value: cfg.DeviceAddress, Reason: err.Error(), Err: err}
	}
	return nil
}

func (cfg Config) validateLogSettings() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if cfg.LogLevel != "" && !slices.Contains(validLogLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s, valid options: %v", cfg.LogLevel, validLogLevels)
	}

	validLogFormats := []string{"json", "text"}
	if cfg.LogFormat != "" && !slices.Contains(validLogFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s, valid options: %v", cfg.LogFormat, validLogFormats)
	}
	return nil
}

func (cfg Config) validateTsnetSettings() error {
	if cfg.UseTsnet && cfg.TsnetHostname == "" {
		return fmt.Errorf("TSNET_HOSTNAME required when USE_TSNET=true")
	}
	return nil
}

func (cfg Config) validateNetworkSettings() error {
	if cfg.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n < 1 || n > 65535 {
		return errors.ConfigurationError{Field: "PORT", Value: cfg.Port, Reason: "must be between 1 and 65535"}
	}
	if cfg.DeviceTimeout <= 0 {
		return errors.ConfigurationError{Field: "DEVICE_TIMEOUT", Value: cfg.DeviceTimeout.String(), Reason: "must be positive", Err: errors.ErrInvalidTimeout}
	}
	return nil
}

func (cfg Config) validateCollectionSettings() error {
	if cfg.SessionTTL <= 0 {
		return errors.ConfigurationError{Field: "SESSION_TTL", Value: cfg.SessionTTL.String(), Reason: "must be positive", Err: errors.ErrInvalidSessionTTL}
	}
	if cfg.ScrapeInterval < 0 {
		return errors.ConfigurationError{Field: "SCRAPE_INTERVAL", Value: cfg.ScrapeInterval.String(), Reason: "must not be negative"}
	}
	if cfg.HealthMaxAge <= 0 {
		return errors.ConfigurationError{Field: "HEALTH_MAX_AGE", Value: cfg.HealthMaxAge.String(), Reason: "must be positive"}
	}
	if cfg.HealthFailureThreshold < 1 {
		return errors.ConfigurationError{Field: "HEALTH_FAILURE_THRESHOLD", Value: strconv.Itoa(cfg.HealthFailureThreshold), Reason: "must be at least 1"}
	}
	if cfg.ConfigReloadInterval < 0 {
		return errors.ConfigurationError{Field: "CONFIG_RELOAD_INTERVAL", Value: cfg.ConfigReloadInterval.String(), Reason: "must not be negative"}
	}
	return nil
}

func (cfg Config) validateSecuritySettings() error {
	if cfg.RateLimitRPS <= 0 {
		return errors.ConfigurationError{Field: "RATE_LIMIT_RPS", Value: strconv.FormatFloat(cfg.RateLimitRPS, 'f', -1, 64), Reason: "must be positive"}
	}
	if cfg.RateLimitBurst < 1 {
		return errors.ConfigurationError{Field: "RATE_LIMIT_BURST", Value: strconv.Itoa(cfg.RateLimitBurst), Reason: "must be at least 1"}
	}
	if cfg.MetricsBearerToken != "" {
		if err := security.NewInputValidator().ValidateToken(cfg.MetricsBearerToken); err != nil {
			return errors.ConfigurationError{Field: "METRICS_BEARER_TOKEN", Value: "<redacted>", Reason: err.Error()}
		}
	}
	return nil
}

// LogValue keeps credentials out of the logs.
func (cfg Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("device", cfg.DeviceAddress),
		slog.String("username", cfg.Username),
		slog.String("port", cfg.Port),
		slog.Duration("device_timeout", cfg.DeviceTimeout),
		slog.Duration("session_ttl", cfg.SessionTTL),
		slog.Duration("scrape_interval", cfg.ScrapeInterval),
		slog.Bool("tsnet", cfg.UseTsnet),
		slog.Bool("bearer_auth", cfg.MetricsBearerToken != ""),
		slog.String("config_file", cfg.ConfigFile),
	)
}

// ParseLogLevel maps a configured level name to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupTsnetStateDir creates and validates the tsnet state directory.
func SetupTsnetStateDir(dir string) string {
	if dir == "" {
		dir = "/tmp/tsnet-p304m-exporter"
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		slog.Warn("failed to create state directory", "dir", dir, "error", err)
		return ""
	}
	slog.Info("using tsnet state directory", "dir", dir)
	return dir
}
