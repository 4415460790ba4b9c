package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Shift       ShiftConfig       `mapstructure:"shift"`
	ShiftChange ShiftChangeConfig `mapstructure:"shift_change"`
	AutoRestart AutoRestartConfig `mapstructure:"auto_restart"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Launcher    LauncherConfig    `mapstructure:"launcher"`
	Process     ProcessConfig     `mapstructure:"process"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Cache       CacheConfig       `mapstructure:"cache"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	AdminPort   int    `mapstructure:"admin_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ShiftConfig defines shift resolution settings
type ShiftConfig struct {
	FallbackShift   string `mapstructure:"fallback_shift"`
	ChangeTolerance string `mapstructure:"change_tolerance"`
}

// ShiftChangeConfig defines the shift monitor loop
type ShiftChangeConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	CheckInterval string `mapstructure:"check_interval"`
}

// AutoRestartConfig defines the end-of-shift restart orchestrator
type AutoRestartConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	WarningMinutes       int    `mapstructure:"warning_minutes"`
	FinalWarningSeconds  int    `mapstructure:"final_warning_seconds"`
	CheckIntervalSeconds int    `mapstructure:"check_interval_seconds"`
	RestartDelaySeconds  int    `mapstructure:"restart_delay_seconds"`
	AllowPostpone        bool   `mapstructure:"allow_postpone"`
	MaxPostponeMinutes   int    `mapstructure:"max_postpone_minutes"`
	MarkerTolerance      string `mapstructure:"marker_tolerance"`
}

// RecoveryConfig defines post-restart session recovery
type RecoveryConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	MaxAge              string `mapstructure:"max_age"`
	Confirm             string `mapstructure:"confirm"` // "auto", "decline" or "prompt"
	BackupRetentionDays int    `mapstructure:"backup_retention_days"`
	CleanupTime         string `mapstructure:"cleanup_time"`
}

// LauncherConfig defines how clinical binaries are started
type LauncherConfig struct {
	SettleTime string `mapstructure:"settle_time"`
}

// ProcessConfig defines self-restart and on-disk state locations
type ProcessConfig struct {
	RelaunchMode string `mapstructure:"relaunch_mode"` // "spawn" or "supervisor"
	ExitCode     int    `mapstructure:"exit_code"`
	LockWait     string `mapstructure:"lock_wait"`
	DataDir      string `mapstructure:"data_dir"`
	BackupDir    string `mapstructure:"backup_dir"`
}

// AdminConfig defines admin interface settings
type AdminConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	InitialUsername string `mapstructure:"initial_username"`
	InitialPassword string `mapstructure:"initial_password"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenExpiration string `mapstructure:"token_expiration"`
	RateLimit       int    `mapstructure:"rate_limit"`
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// CacheConfig defines the shift catalog cache
type CacheConfig struct {
	Size int    `mapstructure:"size"`
	TTL  string `mapstructure:"ttl"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SHIFTKIOSK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only with default values.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.admin_port", 8470)
	v.SetDefault("server.metrics_port", 9470)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/shiftkiosk/shiftkiosk.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Shift defaults
	v.SetDefault("shift.fallback_shift", "night")
	v.SetDefault("shift.change_tolerance", "5m")
	v.SetDefault("shift_change.enabled", true)
	v.SetDefault("shift_change.check_interval", "60s")

	// Auto-restart defaults
	v.SetDefault("auto_restart.enabled", true)
	v.SetDefault("auto_restart.warning_minutes", 5)
	v.SetDefault("auto_restart.final_warning_seconds", 30)
	v.SetDefault("auto_restart.check_interval_seconds", 30)
	v.SetDefault("auto_restart.restart_delay_seconds", 60)
	v.SetDefault("auto_restart.allow_postpone", true)
	v.SetDefault("auto_restart.max_postpone_minutes", 15)
	v.SetDefault("auto_restart.marker_tolerance", "10m")

	// Recovery defaults
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.max_age", "10m")
	v.SetDefault("recovery.confirm", "auto")
	v.SetDefault("recovery.backup_retention_days", 7)
	v.SetDefault("recovery.cleanup_time", "03:00")

	v.SetDefault("launcher.settle_time", "2s")

	// Process defaults
	v.SetDefault("process.relaunch_mode", "spawn")
	v.SetDefault("process.exit_code", 75)
	v.SetDefault("process.lock_wait", "30s")
	v.SetDefault("process.data_dir", "/var/lib/shiftkiosk")
	v.SetDefault("process.backup_dir", "/var/lib/shiftkiosk/backups")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.initial_username", "admin")
	v.SetDefault("admin.initial_password", "changeme")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_expiration", "24h")
	v.SetDefault("admin.rate_limit", 100)
	v.SetDefault("admin.rate_limit_window", "1m")

	// Cache defaults
	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl", "30s")
}

// ValidKeys returns the set of every configuration key that has a default.
func ValidKeys() map[string]bool {
	v := viper.New()
	SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.AdminPort <= 0 || cfg.Server.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", cfg.Server.AdminPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}
	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	durations := map[string]string{
		"shift.change_tolerance":        cfg.Shift.ChangeTolerance,
		"shift_change.check_interval":   cfg.ShiftChange.CheckInterval,
		"auto_restart.marker_tolerance": cfg.AutoRestart.MarkerTolerance,
		"recovery.max_age":              cfg.Recovery.MaxAge,
		"launcher.settle_time":          cfg.Launcher.SettleTime,
		"process.lock_wait":             cfg.Process.LockWait,
		"admin.token_expiration":        cfg.Admin.TokenExpiration,
		"admin.rate_limit_window":       cfg.Admin.RateLimitWindow,
		"cache.ttl":                     cfg.Cache.TTL,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}
	if ParseDuration(cfg.ShiftChange.CheckInterval, 0) <= 0 {
		return fmt.Errorf("shift_change.check_interval must be positive")
	}

	ar := cfg.AutoRestart
	if ar.WarningMinutes <= 0 {
		return fmt.Errorf("auto_restart.warning_minutes must be positive")
	}
	if ar.FinalWarningSeconds <= 0 || ar.FinalWarningSeconds >= ar.WarningMinutes*60 {
		return fmt.Errorf("auto_restart.final_warning_seconds must be between 1 and %d", ar.WarningMinutes*60-1)
	}
	if ar.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("auto_restart.check_interval_seconds must be positive")
	}
	if ar.RestartDelaySeconds < 0 {
		return fmt.Errorf("auto_restart.restart_delay_seconds must not be negative")
	}
	if ar.MaxPostponeMinutes < 0 {
		return fmt.Errorf("auto_restart.max_postpone_minutes must not be negative")
	}

	switch cfg.Recovery.Confirm {
	case "auto", "decline", "prompt":
	default:
		return fmt.Errorf("invalid recovery.confirm: %s (must be auto, decline or prompt)", cfg.Recovery.Confirm)
	}
	if cfg.Recovery.BackupRetentionDays <= 0 {
		return fmt.Errorf("recovery.backup_retention_days must be positive")
	}
	if _, err := time.Parse("15:04", cfg.Recovery.CleanupTime); err != nil {
		return fmt.Errorf("invalid recovery.cleanup_time %q (expected HH:MM): %w", cfg.Recovery.CleanupTime, err)
	}

	switch cfg.Process.RelaunchMode {
	case "spawn", "supervisor":
	default:
		return fmt.Errorf("invalid process.relaunch_mode: %s (must be spawn or supervisor)", cfg.Process.RelaunchMode)
	}
	if cfg.Process.ExitCode < 0 || cfg.Process.ExitCode > 255 {
		return fmt.Errorf("invalid process.exit_code: %d", cfg.Process.ExitCode)
	}
	if cfg.Process.DataDir == "" || cfg.Process.BackupDir == "" {
		return fmt.Errorf("process.data_dir and process.backup_dir are required")
	}

	if cfg.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive")
	}

	// Ensure state directories exist
	dirs := []string{cfg.Process.DataDir, cfg.Process.BackupDir}
	if cfg.Storage.Type == "bolt" {
		dirs = append(dirs, filepath.Dir(cfg.Storage.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
