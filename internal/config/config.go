// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the RepoSentry service
// configuration.
//
// Configuration is read from a YAML file (default
// ~/.reposentry/reposentry.yaml) with environment-variable overrides
// prefixed REPOSENTRY_ (e.g. REPOSENTRY_GITHUB_TOKEN_A). A default
// config file is written on first run so operators have a template to
// edit. Secrets belong in the environment, not the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/reposentry/reposentry/pkg/validation"
)

// Detection configures the detector suite.
type Detection struct {
	StateInvariant struct {
		Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
		CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	} `mapstructure:"state_invariant" yaml:"state_invariant"`

	DualCredential struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	} `mapstructure:"dual_credential" yaml:"dual_credential"`

	NegativeAuth struct {
		Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
		PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	} `mapstructure:"negative_auth" yaml:"negative_auth"`

	WriteCanary struct {
		Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
		Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	} `mapstructure:"write_canary" yaml:"write_canary"`

	CrossRepo struct {
		Enabled bool `mapstructure:"enabled" yaml:"enabled"`
		// SystemicThreshold is the failure rate at which broad
		// simultaneous failure is treated as systemic (amplified).
		SystemicThreshold float64 `mapstructure:"systemic_threshold" yaml:"systemic_threshold" validate:"gte=0,lte=1"`
		// PotentialThreshold is the lower tier: above it risk counts
		// flat, below it isolated failures are ignored at this layer.
		PotentialThreshold float64 `mapstructure:"potential_threshold" yaml:"potential_threshold" validate:"gte=0,lte=1"`
	} `mapstructure:"cross_repo" yaml:"cross_repo"`

	TemporalConsistency struct {
		Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
		RequiredFailures int           `mapstructure:"required_failures" yaml:"required_failures" validate:"gte=1"`
		TimeWindow       time.Duration `mapstructure:"time_window" yaml:"time_window"`
	} `mapstructure:"temporal_consistency" yaml:"temporal_consistency"`
}

// Scoring configures risk accumulation and decay.
type Scoring struct {
	// Events maps event type tags to severities.
	Events map[string]int `mapstructure:"events" yaml:"events"`

	Decay struct {
		// RatePerHour is subtracted from every score per elapsed hour.
		RatePerHour int `mapstructure:"rate_per_hour" yaml:"rate_per_hour" validate:"gte=0"`
		// Floor is the minimum a score can decay to.
		Floor int `mapstructure:"floor" yaml:"floor" validate:"gte=0"`
	} `mapstructure:"decay" yaml:"decay"`
}

// Response configures thresholds, grace periods and destructive-action
// policy.
type Response struct {
	Thresholds struct {
		Lock      int `mapstructure:"lock" yaml:"lock" validate:"gte=1"`
		Warn      int `mapstructure:"warn" yaml:"warn" validate:"gte=1"`
		Delete    int `mapstructure:"delete" yaml:"delete" validate:"gte=1"`
		Immediate int `mapstructure:"immediate" yaml:"immediate" validate:"gte=1"`
	} `mapstructure:"thresholds" yaml:"thresholds"`

	GracePeriods struct {
		Lock      time.Duration `mapstructure:"lock" yaml:"lock"`
		Warn      time.Duration `mapstructure:"warn" yaml:"warn"`
		Delete    time.Duration `mapstructure:"delete" yaml:"delete"`
		Immediate time.Duration `mapstructure:"immediate" yaml:"immediate"`
	} `mapstructure:"grace_periods" yaml:"grace_periods"`

	BackupBeforeDelete bool `mapstructure:"backup_before_delete" yaml:"backup_before_delete"`

	// LockServiceURLs are dependent services flipped to read-only by
	// the lock responder.
	LockServiceURLs []string `mapstructure:"lock_service_urls" yaml:"lock_service_urls"`
}

// Notifications configures alert channels. Empty channels are skipped.
type Notifications struct {
	Email        string `mapstructure:"email" yaml:"email" validate:"omitempty,email"`
	SlackWebhook string `mapstructure:"slack_webhook" yaml:"slack_webhook" validate:"omitempty,url"`
	SMSAPIKey    string `mapstructure:"sms_api_key" yaml:"sms_api_key"`
}

// GitHub configures the provider client and repo discovery.
type GitHub struct {
	Org    string `mapstructure:"org" yaml:"org" validate:"required"`
	TokenA string `mapstructure:"token_a" yaml:"token_a"`
	TokenB string `mapstructure:"token_b" yaml:"token_b"`

	// CriticalRepos is the static critical set; ignored when
	// AutoDiscover is on and discovery succeeds.
	CriticalRepos []string `mapstructure:"critical_repos" yaml:"critical_repos"`
	AutoDiscover  bool     `mapstructure:"auto_discover" yaml:"auto_discover"`
	RepoPattern   string   `mapstructure:"repo_pattern" yaml:"repo_pattern"`
	PriorityRepos []string `mapstructure:"priority_repos" yaml:"priority_repos"`
}

// Storage configures the embedded database and backups.
type Storage struct {
	// DataDir holds the BadgerDB database and backup artifacts.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// BaselineKey enables AES-256-GCM encryption of the persisted
	// baseline when non-empty. Must be exactly 32 bytes.
	BaselineKey string `mapstructure:"baseline_key" yaml:"baseline_key"`

	// GCSBucket, when set, mirrors backup artifacts to a Cloud
	// Storage bucket.
	GCSBucket    string `mapstructure:"gcs_bucket" yaml:"gcs_bucket"`
	GCSProject   string `mapstructure:"gcs_project" yaml:"gcs_project"`
	GCSCredsFile string `mapstructure:"gcs_creds_file" yaml:"gcs_creds_file"`
}

// Server configures the HTTP control surface.
type Server struct {
	Port     int    `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogDir   string `mapstructure:"log_dir" yaml:"log_dir"`

	// CycleInterval is how often the scheduler runs a detection cycle.
	CycleInterval time.Duration `mapstructure:"cycle_interval" yaml:"cycle_interval"`

	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// Config is the full service configuration.
type Config struct {
	Detection     Detection     `mapstructure:"detection" yaml:"detection"`
	Scoring       Scoring       `mapstructure:"scoring" yaml:"scoring"`
	Response      Response      `mapstructure:"response" yaml:"response"`
	Notifications Notifications `mapstructure:"notifications" yaml:"notifications"`
	GitHub        GitHub        `mapstructure:"github" yaml:"github"`
	Storage       Storage       `mapstructure:"storage" yaml:"storage"`
	Server        Server        `mapstructure:"server" yaml:"server"`
}

// Default returns the configuration the service ships with. The
// severity table and threshold values are the calibrated defaults the
// scoring model was tuned against; change them deliberately.
func Default() Config {
	var cfg Config

	cfg.Detection.StateInvariant.Enabled = true
	cfg.Detection.StateInvariant.CheckInterval = 5 * time.Minute
	cfg.Detection.DualCredential.Enabled = true
	cfg.Detection.NegativeAuth.Enabled = true
	cfg.Detection.NegativeAuth.PollInterval = 15 * time.Minute
	cfg.Detection.WriteCanary.Enabled = true
	cfg.Detection.WriteCanary.Interval = time.Hour
	cfg.Detection.CrossRepo.Enabled = true
	cfg.Detection.CrossRepo.SystemicThreshold = 0.5
	cfg.Detection.CrossRepo.PotentialThreshold = 0.25
	cfg.Detection.TemporalConsistency.Enabled = true
	cfg.Detection.TemporalConsistency.RequiredFailures = 12
	cfg.Detection.TemporalConsistency.TimeWindow = 6 * time.Hour

	cfg.Scoring.Events = map[string]int{
		"admin_removed":             5,
		"repo_transferred":          10,
		"permission_downgraded":     4,
		"branch_protection_removed": 4,
		"write_failure":             3,
		"state_invariant_break":     5,
		"dual_credential_disagree":  6,
		"dual_credential_both_fail": 8,
	}
	cfg.Scoring.Decay.RatePerHour = 1
	cfg.Scoring.Decay.Floor = 0

	cfg.Response.Thresholds.Lock = 6
	cfg.Response.Thresholds.Warn = 10
	cfg.Response.Thresholds.Delete = 10
	cfg.Response.Thresholds.Immediate = 15
	cfg.Response.GracePeriods.Lock = 24 * time.Hour
	cfg.Response.GracePeriods.Warn = 48 * time.Hour
	cfg.Response.GracePeriods.Delete = 72 * time.Hour
	cfg.Response.GracePeriods.Immediate = 0
	cfg.Response.BackupBeforeDelete = true

	cfg.GitHub.AutoDiscover = true
	cfg.GitHub.RepoPattern = ".*"

	cfg.Storage.DataDir = "~/.reposentry/data"

	cfg.Server.Port = 5010
	cfg.Server.LogLevel = "info"
	cfg.Server.CycleInterval = 5 * time.Minute

	return cfg
}

// Load reads configuration from the given path (or the default
// location when path is empty), applies environment overrides, and
// validates the result. A missing config file is created from
// defaults first.
func Load(path string) (*Config, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".reposentry", "reposentry.yaml")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPOSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file %s: %w", path, err)
	}

	// Secrets always win from the environment.
	if t := os.Getenv("REPOSENTRY_GITHUB_TOKEN_A"); t != "" {
		cfg.GitHub.TokenA = t
	}
	if t := os.Getenv("REPOSENTRY_GITHUB_TOKEN_B"); t != "" {
		cfg.GitHub.TokenB = t
	}
	if k := os.Getenv("REPOSENTRY_BASELINE_KEY"); k != "" {
		cfg.Storage.BaselineKey = k
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// writeDefault writes the default config file, creating the directory.
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	cfg := Default()
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

// Validate checks structural constraints and the threshold ordering
// invariant. A misordered threshold table would make the response
// ladder skip levels, so it is a hard startup error.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	t := c.Response.Thresholds
	if !(t.Immediate >= t.Delete && t.Delete >= t.Warn && t.Warn >= t.Lock) {
		return fmt.Errorf(
			"response thresholds must satisfy immediate >= delete >= warn >= lock, got immediate=%d delete=%d warn=%d lock=%d",
			t.Immediate, t.Delete, t.Warn, t.Lock)
	}

	if c.Detection.CrossRepo.PotentialThreshold > c.Detection.CrossRepo.SystemicThreshold {
		return fmt.Errorf("cross-repo potential threshold (%v) must not exceed systemic threshold (%v)",
			c.Detection.CrossRepo.PotentialThreshold, c.Detection.CrossRepo.SystemicThreshold)
	}

	if c.GitHub.AutoDiscover {
		if err := validation.ValidateRepoPattern(c.GitHub.RepoPattern); err != nil {
			return err
		}
	}
	if err := validation.ValidateRepoNames(c.GitHub.CriticalRepos); err != nil {
		return err
	}

	if key := c.Storage.BaselineKey; key != "" && len(key) != 32 {
		return fmt.Errorf("baseline key must be exactly 32 bytes, got %d", len(key))
	}

	return nil
}

// HasCredentials reports whether both provider credentials are set.
// Missing credentials are fatal for baseline establishment but the
// daemon still starts and retries on the next cycle.
func (c *Config) HasCredentials() bool {
	return c.GitHub.TokenA != "" && c.GitHub.TokenB != ""
}

// EventSeverity returns the configured severity for an event type
// tag, or 0 for unknown tags.
func (c *Config) EventSeverity(tag string) int {
	return c.Scoring.Events[tag]
}
