// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorAddRisk(t *testing.T) {
	a := NewAccumulator()
	now := time.Now().UTC()

	a.AddRisk("acme/core", 5, "state_invariant_break", "admins changed", now)
	a.AddRisk("acme/core", 3, "write_failure", "", now)
	a.AddRisk("acme/web", 8, "dual_credential_both_fail", "", now)

	assert.Equal(t, float64(8), a.Score("acme/core"))
	assert.Equal(t, float64(8), a.Score("acme/web"))
	assert.Zero(t, a.Score("acme/unknown"))

	scores := a.AllScores()
	assert.Len(t, scores, 2)

	events := a.Events("acme/core")
	require.Len(t, events, 2)
	assert.Equal(t, "state_invariant_break", events[0].Tag)
}

func TestAccumulatorZeroAmountIsNoOp(t *testing.T) {
	a := NewAccumulator()
	a.AddRisk("acme/core", 0, "tag", "", time.Now())
	assert.Empty(t, a.AllScores())
	assert.Empty(t, a.Events("acme/core"))
}

func TestAccumulatorExportRestore(t *testing.T) {
	a := NewAccumulator()
	now := time.Now().UTC()
	a.AddRisk("acme/core", 7, "tag", "", now)

	restored := NewAccumulator()
	restored.Restore(a.Export())
	assert.Equal(t, float64(7), restored.Score("acme/core"))
}

func TestDecaySubtractsWholeHours(t *testing.T) {
	a := NewAccumulator()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.AddRisk("acme/core", 10, "tag", "", start)

	d := Decay{RatePerHour: 1, Floor: 0}

	// 90 minutes later: one whole hour consumed.
	d.Apply(a, start.Add(90*time.Minute))
	assert.Equal(t, float64(9), a.Score("acme/core"))

	// Another 30 minutes: the half-hour remainder completes an hour.
	d.Apply(a, start.Add(2*time.Hour))
	assert.Equal(t, float64(8), a.Score("acme/core"))
}

func TestDecayClampsAtFloor(t *testing.T) {
	a := NewAccumulator()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.AddRisk("acme/core", 3, "tag", "", start)

	d := Decay{RatePerHour: 1, Floor: 0}
	d.Apply(a, start.Add(100*time.Hour))
	assert.Zero(t, a.Score("acme/core"))
}

func TestDecayPrunesOldEventsAtFloor(t *testing.T) {
	a := NewAccumulator()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.AddRisk("acme/core", 2, "old", "", start)

	d := Decay{RatePerHour: 1, Floor: 0}
	d.Apply(a, start.Add(48*time.Hour))

	assert.Zero(t, a.Score("acme/core"))
	assert.Empty(t, a.Events("acme/core"))
}

func TestDecayNoOpWithinFirstHour(t *testing.T) {
	a := NewAccumulator()
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.AddRisk("acme/core", 10, "tag", "", start)

	d := Decay{RatePerHour: 1, Floor: 0}
	d.Apply(a, start.Add(59*time.Minute))
	assert.Equal(t, float64(10), a.Score("acme/core"))
}

func TestThresholdOrderingRejected(t *testing.T) {
	_, err := NewThresholds(10, 6, 12, 15) // warn < lock
	assert.Error(t, err)
}

func TestThresholdCheck(t *testing.T) {
	th, err := NewThresholds(6, 10, 10, 15)
	require.NoError(t, err)

	tests := []struct {
		score float64
		want  Level
	}{
		{0, LevelNone},
		{5.9, LevelNone},
		{6, LevelLock},
		{9, LevelLock},
		{10, LevelDelete}, // delete wins over warn at the shared value
		{14, LevelDelete},
		{15, LevelImmediate},
		{40, LevelImmediate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, th.Check(tt.score), "score %v", tt.score)
	}
}
