// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数（と任意の設定ファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Sync endpoint
	SyncEndpointURL   string
	SyncStreamTimeout time.Duration

	// Checkpoint
	SyncOverlapDays  int
	SyncFallbackDays int

	// Orchestrator
	SyncAccountInterval  time.Duration
	SyncScheduleInterval time.Duration
	SyncProgressBuffer   int
	SyncAutoResolve      bool

	// Run history
	SyncRunRetentionDays int

	// Duplicate detection
	DuplicateExactThreshold   float64
	DuplicateDetectWindowDays int
	DuplicateMinSimilarity    float64
	DuplicateLookbackDays     int

	// Rate Limit
	RateLimitGeneral    int
	RateLimitSyncPerMin int

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// configFileEnv は設定ファイルのパスを指定する環境変数。
const configFileEnv = "FINSYNC_CONFIG"

var requiredKeys = []string{"database_url", "sync_endpoint_url"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sync_stream_timeout", 30*time.Minute)
	v.SetDefault("sync_overlap_days", 2)
	v.SetDefault("sync_fallback_days", 90)
	v.SetDefault("sync_account_interval", 2*time.Second)
	v.SetDefault("sync_schedule_interval", 6*time.Hour)
	v.SetDefault("sync_progress_buffer", 32)
	v.SetDefault("sync_auto_resolve", false)
	v.SetDefault("sync_run_retention_days", 90)
	v.SetDefault("duplicate_exact_threshold", 0.95)
	v.SetDefault("duplicate_detect_window_days", 3)
	v.SetDefault("duplicate_min_similarity", 0.6)
	v.SetDefault("duplicate_lookback_days", 30)
	v.SetDefault("rate_limit_general", 120)
	v.SetDefault("rate_limit_sync_per_min", 6)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_port", "8080")
	v.SetDefault("cors_allowed_origin", "http://localhost:3000")
}

// Load は環境変数からConfigを読み込む。
// FINSYNC_CONFIGが設定されている場合はそのファイルを先に読み込み、環境変数で上書きする。
// 必須項目が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range requiredKeys {
		// AutomaticEnvはデフォルト値のないキーを列挙しないため明示的にバインドする
		_ = v.BindEnv(key)
	}

	if path := os.Getenv(configFileEnv); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var missing []string
	for _, key := range requiredKeys {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, strings.ToUpper(key))
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg := &Config{
		DatabaseURL:               v.GetString("database_url"),
		SyncEndpointURL:           v.GetString("sync_endpoint_url"),
		SyncStreamTimeout:         v.GetDuration("sync_stream_timeout"),
		SyncOverlapDays:           v.GetInt("sync_overlap_days"),
		SyncFallbackDays:          v.GetInt("sync_fallback_days"),
		SyncAccountInterval:       v.GetDuration("sync_account_interval"),
		SyncScheduleInterval:      v.GetDuration("sync_schedule_interval"),
		SyncProgressBuffer:        v.GetInt("sync_progress_buffer"),
		SyncAutoResolve:           v.GetBool("sync_auto_resolve"),
		SyncRunRetentionDays:      v.GetInt("sync_run_retention_days"),
		DuplicateExactThreshold:   v.GetFloat64("duplicate_exact_threshold"),
		DuplicateDetectWindowDays: v.GetInt("duplicate_detect_window_days"),
		DuplicateMinSimilarity:    v.GetFloat64("duplicate_min_similarity"),
		DuplicateLookbackDays:     v.GetInt("duplicate_lookback_days"),
		RateLimitGeneral:          v.GetInt("rate_limit_general"),
		RateLimitSyncPerMin:       v.GetInt("rate_limit_sync_per_min"),
		LogLevel:                  v.GetString("log_level"),
		ServerPort:                v.GetString("server_port"),
		CORSAllowedOrigin:         v.GetString("cors_allowed_origin"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の範囲を検証する。問題がある場合は全件をまとめて返す。
func (c *Config) Validate() error {
	var errs []error
	if c.SyncOverlapDays < 0 {
		errs = append(errs, fmt.Errorf("SYNC_OVERLAP_DAYS must not be negative: %d", c.SyncOverlapDays))
	}
	if c.SyncFallbackDays <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_FALLBACK_DAYS must be positive: %d", c.SyncFallbackDays))
	}
	if c.SyncStreamTimeout < 0 {
		errs = append(errs, fmt.Errorf("SYNC_STREAM_TIMEOUT must not be negative: %s", c.SyncStreamTimeout))
	}
	if c.SyncAccountInterval < 0 {
		errs = append(errs, fmt.Errorf("SYNC_ACCOUNT_INTERVAL must not be negative: %s", c.SyncAccountInterval))
	}
	if c.SyncScheduleInterval <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_SCHEDULE_INTERVAL must be positive: %s", c.SyncScheduleInterval))
	}
	if c.SyncRunRetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("SYNC_RUN_RETENTION_DAYS must be positive: %d", c.SyncRunRetentionDays))
	}
	if c.DuplicateExactThreshold <= 0 || c.DuplicateExactThreshold > 1 {
		errs = append(errs, fmt.Errorf("DUPLICATE_EXACT_THRESHOLD must be in (0, 1]: %v", c.DuplicateExactThreshold))
	}
	if c.DuplicateMinSimilarity <= 0 || c.DuplicateMinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("DUPLICATE_MIN_SIMILARITY must be in (0, 1]: %v", c.DuplicateMinSimilarity))
	}
	if c.DuplicateDetectWindowDays < 0 {
		errs = append(errs, fmt.Errorf("DUPLICATE_DETECT_WINDOW_DAYS must not be negative: %d", c.DuplicateDetectWindowDays))
	}
	if c.RateLimitSyncPerMin <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SYNC_PER_MIN must be positive: %d", c.RateLimitSyncPerMin))
	}
	if c.RateLimitGeneral <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_GENERAL must be positive: %d", c.RateLimitGeneral))
	}
	return errors.Join(errs...)
}
