// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposentry/reposentry/pkg/logging"
)

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestDefaultConfigSyncsWrites(t *testing.T) {
	cfg := DefaultConfig("/var/lib/reposentry/db")
	assert.True(t, cfg.SyncWrites, "audit entries must be durable before destructive actions proceed")
	assert.Equal(t, "/var/lib/reposentry/db", cfg.Path)
}

func TestAuditLogAppendAndRecent(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewAuditLog(db, logging.Default())
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := log.Append(AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Action:    "detection",
			Repo:      "acme/core",
			Risk:      float64(i),
		})
		require.NoError(t, err)
	}

	entries, err := log.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, float64(4), entries[0].Risk)
	assert.Equal(t, float64(2), entries[2].Risk)
	assert.NotEmpty(t, entries[0].ID)
}

func TestAuditLogSince(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	log, err := NewAuditLog(db, logging.Default())
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, log.Append(AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Action:    "lock",
			Repo:      "acme/core",
		}))
	}

	entries, err := log.Since(base.Add(90 * time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
}

func TestLevelForRisk(t *testing.T) {
	tests := []struct {
		risk float64
		want AuditLevel
	}{
		{0, AuditInfo},
		{5.9, AuditInfo},
		{6, AuditWarn},
		{9.9, AuditWarn},
		{10, AuditCritical},
		{15, AuditCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForRisk(tt.risk), "risk %v", tt.risk)
	}
}

func TestStateStoreRoundTrip(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStateStore(db)
	require.NoError(t, err)

	// Absent state is a normal fresh start.
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state := SavedState{
		Scores: map[string]RepoScore{
			"acme/core": {Score: 7.5, UpdatedAt: time.Now().UTC()},
		},
		Windows: map[string]FailureWindow{
			"acme/core": {Failures: 3, WindowStart: time.Now().UTC().Add(-time.Hour)},
		},
		Responses: map[string]ResponseRecord{
			"acme/core": {Level: "lock", At: time.Now().UTC().Add(-time.Minute)},
		},
		AuditCursor: time.Now().UTC(),
	}
	require.NoError(t, store.Save(state))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.InDelta(t, 7.5, loaded.Scores["acme/core"].Score, 1e-9)
	assert.Equal(t, 3, loaded.Windows["acme/core"].Failures)
	assert.Equal(t, "lock", loaded.Responses["acme/core"].Level)
	assert.False(t, loaded.SavedAt.IsZero())
}
