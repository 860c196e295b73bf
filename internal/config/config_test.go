// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Org = "acme"

	require.NoError(t, cfg.Validate())

	assert.Equal(t, 6, cfg.Response.Thresholds.Lock)
	assert.Equal(t, 10, cfg.Response.Thresholds.Warn)
	assert.Equal(t, 10, cfg.Response.Thresholds.Delete)
	assert.Equal(t, 15, cfg.Response.Thresholds.Immediate)
	assert.Equal(t, time.Duration(0), cfg.Response.GracePeriods.Immediate)
	assert.Equal(t, 12, cfg.Detection.TemporalConsistency.RequiredFailures)
	assert.Equal(t, 6*time.Hour, cfg.Detection.TemporalConsistency.TimeWindow)
	assert.Equal(t, 10, cfg.EventSeverity("repo_transferred"))
	assert.Equal(t, 0, cfg.EventSeverity("unknown_event"))
}

func TestValidate_ThresholdOrdering(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Org = "acme"
	cfg.Response.Thresholds.Warn = 4 // below lock (6)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immediate >= delete >= warn >= lock")
}

func TestValidate_CrossRepoTiers(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Org = "acme"
	cfg.Detection.CrossRepo.PotentialThreshold = 0.9

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "potential threshold")
}

func TestValidate_MissingOrg(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

func TestValidate_BaselineKeyLength(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Org = "acme"
	cfg.Storage.BaselineKey = "short"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")

	cfg.Storage.BaselineKey = strings.Repeat("k", 32)
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BadRepoPattern(t *testing.T) {
	cfg := Default()
	cfg.GitHub.Org = "acme"
	cfg.GitHub.RepoPattern = "broken("

	assert.Error(t, cfg.Validate())
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reposentry.yaml")

	t.Setenv("REPOSENTRY_GITHUB_TOKEN_A", "")
	t.Setenv("REPOSENTRY_GITHUB_TOKEN_B", "")

	// Default config has no org, so Load fails validation, but the
	// template file must still be written for the operator to edit.
	_, err := Load(path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "default config file should have been created")
}

func TestLoad_ReadsFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reposentry.yaml")

	content := `
github:
  org: acme
  critical_repos: [platform, core-api]
  auto_discover: false
server:
  port: 6100
response:
  thresholds:
    lock: 5
    warn: 9
    delete: 11
    immediate: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	t.Setenv("REPOSENTRY_GITHUB_TOKEN_A", "env-token-a")
	t.Setenv("REPOSENTRY_GITHUB_TOKEN_B", "env-token-b")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.GitHub.Org)
	assert.Equal(t, []string{"platform", "core-api"}, cfg.GitHub.CriticalRepos)
	assert.Equal(t, 6100, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Response.Thresholds.Lock)
	assert.Equal(t, 20, cfg.Response.Thresholds.Immediate)
	assert.Equal(t, "env-token-a", cfg.GitHub.TokenA)
	assert.Equal(t, "env-token-b", cfg.GitHub.TokenB)
	assert.True(t, cfg.HasCredentials())

	// Unspecified values keep their defaults.
	assert.Equal(t, 1, cfg.Scoring.Decay.RatePerHour)
	assert.Equal(t, 24*time.Hour, cfg.Response.GracePeriods.Lock)
}
