package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/shiftkiosk/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the shiftkiosk configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if cfg.Admin.Enabled && cfg.Admin.JWTSecret == "" {
		color.New(color.FgYellow).Fprintln(os.Stdout, "\n⚠️  admin.jwt_secret is empty, admin tokens will not survive a restart")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return filterUnknownKeys(v.AllKeys(), config.ValidKeys()), nil
}

func filterUnknownKeys(keys []string, valid map[string]bool) []string {
	unknown := []string{}
	for _, key := range keys {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	// Setup colors (only if terminal supports it)
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  admin_port", cfg.Server.AdminPort, defaultCfg.Server.AdminPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Shifts
	_, _ = cyan.Println("\n[shift]")
	dumpField("  fallback_shift", cfg.Shift.FallbackShift, defaultCfg.Shift.FallbackShift, yellow, green)
	dumpField("  change_tolerance", cfg.Shift.ChangeTolerance, defaultCfg.Shift.ChangeTolerance, yellow, green)

	_, _ = cyan.Println("\n[shift_change]")
	dumpField("  enabled", cfg.ShiftChange.Enabled, defaultCfg.ShiftChange.Enabled, yellow, green)
	dumpField("  check_interval", cfg.ShiftChange.CheckInterval, defaultCfg.ShiftChange.CheckInterval, yellow, green)

	// Auto restart
	_, _ = cyan.Println("\n[auto_restart]")
	dumpField("  enabled", cfg.AutoRestart.Enabled, defaultCfg.AutoRestart.Enabled, yellow, green)
	dumpField("  warning_minutes", cfg.AutoRestart.WarningMinutes, defaultCfg.AutoRestart.WarningMinutes, yellow, green)
	dumpField("  final_warning_seconds", cfg.AutoRestart.FinalWarningSeconds, defaultCfg.AutoRestart.FinalWarningSeconds, yellow, green)
	dumpField("  check_interval_seconds", cfg.AutoRestart.CheckIntervalSeconds, defaultCfg.AutoRestart.CheckIntervalSeconds, yellow, green)
	dumpField("  restart_delay_seconds", cfg.AutoRestart.RestartDelaySeconds, defaultCfg.AutoRestart.RestartDelaySeconds, yellow, green)
	dumpField("  allow_postpone", cfg.AutoRestart.AllowPostpone, defaultCfg.AutoRestart.AllowPostpone, yellow, green)
	dumpField("  max_postpone_minutes", cfg.AutoRestart.MaxPostponeMinutes, defaultCfg.AutoRestart.MaxPostponeMinutes, yellow, green)
	dumpField("  marker_tolerance", cfg.AutoRestart.MarkerTolerance, defaultCfg.AutoRestart.MarkerTolerance, yellow, green)

	// Recovery
	_, _ = cyan.Println("\n[recovery]")
	dumpField("  enabled", cfg.Recovery.Enabled, defaultCfg.Recovery.Enabled, yellow, green)
	dumpField("  max_age", cfg.Recovery.MaxAge, defaultCfg.Recovery.MaxAge, yellow, green)
	dumpField("  confirm", cfg.Recovery.Confirm, defaultCfg.Recovery.Confirm, yellow, green)
	dumpField("  backup_retention_days", cfg.Recovery.BackupRetentionDays, defaultCfg.Recovery.BackupRetentionDays, yellow, green)
	dumpField("  cleanup_time", cfg.Recovery.CleanupTime, defaultCfg.Recovery.CleanupTime, yellow, green)

	_, _ = cyan.Println("\n[launcher]")
	dumpField("  settle_time", cfg.Launcher.SettleTime, defaultCfg.Launcher.SettleTime, yellow, green)

	// Process
	_, _ = cyan.Println("\n[process]")
	dumpField("  relaunch_mode", cfg.Process.RelaunchMode, defaultCfg.Process.RelaunchMode, yellow, green)
	dumpField("  exit_code", cfg.Process.ExitCode, defaultCfg.Process.ExitCode, yellow, green)
	dumpField("  lock_wait", cfg.Process.LockWait, defaultCfg.Process.LockWait, yellow, green)
	dumpField("  data_dir", cfg.Process.DataDir, defaultCfg.Process.DataDir, yellow, green)
	dumpField("  backup_dir", cfg.Process.BackupDir, defaultCfg.Process.BackupDir, yellow, green)

	// Admin
	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  initial_username", cfg.Admin.InitialUsername, defaultCfg.Admin.InitialUsername, yellow, green)
	dumpField("  initial_password", redactPassword(cfg.Admin.InitialPassword), redactPassword(defaultCfg.Admin.InitialPassword), yellow, green)
	dumpField("  jwt_secret", redactPassword(cfg.Admin.JWTSecret), redactPassword(defaultCfg.Admin.JWTSecret), yellow, green)
	dumpField("  token_expiration", cfg.Admin.TokenExpiration, defaultCfg.Admin.TokenExpiration, yellow, green)
	dumpField("  rate_limit", cfg.Admin.RateLimit, defaultCfg.Admin.RateLimit, yellow, green)
	dumpField("  rate_limit_window", cfg.Admin.RateLimitWindow, defaultCfg.Admin.RateLimitWindow, yellow, green)

	// Cache
	_, _ = cyan.Println("\n[cache]")
	dumpField("  size", cfg.Cache.Size, defaultCfg.Cache.Size, yellow, green)
	dumpField("  ttl", cfg.Cache.TTL, defaultCfg.Cache.TTL, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	// Deep equal comparison
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
