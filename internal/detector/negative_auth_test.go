// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

func testSeverities(tag string) int {
	switch tag {
	case TagAdminRemoved:
		return 5
	case TagRepoTransferred:
		return 10
	case TagPermissionDowngraded:
		return 4
	}
	return 0
}

func TestNegativeAuthClassifiesAndSums(t *testing.T) {
	now := time.Now().UTC()
	client := &fakeClient{
		auditFeed: func(time.Time) ([]github.AuditEvent, error) {
			return []github.AuditEvent{
				{Type: "MemberEvent", Action: "removed", Repo: "acme/core", Timestamp: now.Add(time.Minute)},
				{Type: "RepositoryEvent", Action: "transferred", Repo: "acme/web", Timestamp: now.Add(2 * time.Minute)},
				{Type: "RepositoryEvent", Action: "archived", Repo: "acme/core", Timestamp: now.Add(3 * time.Minute)},
				{Type: "PushEvent", Action: "pushed", Repo: "acme/core", Timestamp: now.Add(4 * time.Minute)},
			}, nil
		},
	}
	d, err := NewNegativeAuth(client, testSeverities, logging.Default())
	require.NoError(t, err)

	res, events := d.Check(context.Background())
	assert.Equal(t, OutcomeRisky, res.Outcome)
	assert.Equal(t, float64(19), res.Risk) // 5 + 10 + 4
	require.Len(t, events, 3)
	assert.Equal(t, TagAdminRemoved, events[0].Tag)
	assert.Equal(t, "acme/web", events[1].Repo)

	// Cursor advanced past the newest event, unrecognized one included.
	assert.True(t, d.Cursor().Equal(now.Add(4*time.Minute)))
}

func TestNegativeAuthQuietFeedIsClear(t *testing.T) {
	d, err := NewNegativeAuth(&fakeClient{}, testSeverities, logging.Default())
	require.NoError(t, err)

	res, events := d.Check(context.Background())
	assert.Equal(t, OutcomeClear, res.Outcome)
	assert.Empty(t, events)
}

func TestNegativeAuthFeedErrorIsNoData(t *testing.T) {
	client := &fakeClient{
		auditFeed: func(time.Time) ([]github.AuditEvent, error) {
			return nil, errors.New("rate limited")
		},
	}
	d, err := NewNegativeAuth(client, testSeverities, logging.Default())
	require.NoError(t, err)

	before := d.Cursor()
	res, _ := d.Check(context.Background())
	assert.Equal(t, OutcomeNoData, res.Outcome)
	assert.True(t, d.Cursor().Equal(before), "cursor must not advance on failed poll")
}

func TestNegativeAuthSetCursorOnlyMovesForward(t *testing.T) {
	d, err := NewNegativeAuth(&fakeClient{}, testSeverities, logging.Default())
	require.NoError(t, err)

	start := d.Cursor()
	d.SetCursor(start.Add(-time.Hour))
	assert.True(t, d.Cursor().Equal(start))

	future := start.Add(time.Hour)
	d.SetCursor(future)
	assert.True(t, d.Cursor().Equal(future))
}
