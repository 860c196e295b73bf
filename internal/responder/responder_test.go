// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package responder

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/scoring"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

type fakeClient struct {
	stateErr  error
	deleted   []string
	deleteErr error
}

func (f *fakeClient) FetchRepoState(context.Context, string) (*github.RepoState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &github.RepoState{Owner: "acme", Admins: []string{"alice"}, DefaultBranch: "main"}, nil
}

func (f *fakeClient) FetchFingerprint(context.Context, string) (*github.Fingerprint, error) {
	return &github.Fingerprint{RepoID: 42, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeClient) FetchSubmodules(context.Context, string) ([]github.Submodule, error) {
	return nil, nil
}

func (f *fakeClient) FetchWorkflows(context.Context, string) ([]github.Workflow, error) {
	return nil, nil
}

func (f *fakeClient) CheckAccess(context.Context, string, github.Credential) (*github.AccessResult, error) {
	return &github.AccessResult{HasAccess: true}, nil
}

func (f *fakeClient) CreateBranch(context.Context, string, string) error { return nil }
func (f *fakeClient) DeleteBranch(context.Context, string, string) error { return nil }

func (f *fakeClient) DeleteRepository(_ context.Context, repo string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, repo)
	return nil
}

func (f *fakeClient) FetchAuditFeed(context.Context, time.Time) ([]github.AuditEvent, error) {
	return nil, nil
}

func (f *fakeClient) ListOrgRepos(context.Context, string) ([]string, error) { return nil, nil }

func newTestAudit(t *testing.T) *storage.AuditLog {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	audit, err := storage.NewAuditLog(db, logging.Default())
	require.NoError(t, err)
	return audit
}

type countingChannel struct {
	name  string
	calls atomic.Int32
	fail  bool
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Send(context.Context, Alert) error {
	c.calls.Add(1)
	if c.fail {
		return errors.New("channel down")
	}
	return nil
}

func TestNotifierFansOutToAllChannels(t *testing.T) {
	audit := newTestAudit(t)
	good := &countingChannel{name: "email"}
	bad := &countingChannel{name: "sms", fail: true}
	other := &countingChannel{name: "slack"}

	n, err := NewNotifier([]Channel{good, bad, other}, audit, logging.Default())
	require.NoError(t, err)

	n.Notify(context.Background(), Alert{
		Repo:    "acme/core",
		Level:   scoring.LevelWarn,
		Risk:    11,
		Message: "sustained credential disagreement",
	})

	assert.Equal(t, int32(1), good.calls.Load())
	assert.Equal(t, int32(1), bad.calls.Load())
	assert.Equal(t, int32(1), other.calls.Load())

	entries, err := audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notify", entries[0].Action)
	assert.Equal(t, storage.AuditCritical, entries[0].Level)
}

func TestSlackChannelPostsWebhook(t *testing.T) {
	var got atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &SlackChannel{WebhookURL: srv.URL}
	err := ch.Send(context.Background(), Alert{Repo: "acme/core", Level: scoring.LevelLock, Risk: 7})
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.Load())
}

func TestLockBestEffortPerTarget(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lock", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	audit := newTestAudit(t)
	lock, err := NewLock([]string{ok.URL, failing.URL}, audit, logging.Default())
	require.NoError(t, err)

	results := lock.Lock(context.Background(), "acme/core", 7)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)

	entries, err := audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lock", entries[0].Action)
	assert.Equal(t, "1", entries[0].Details["failed"])
}

func TestUnlockAll(t *testing.T) {
	var unlocked atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/unlock" {
			unlocked.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	lock, err := NewLock([]string{srv.URL}, newTestAudit(t), logging.Default())
	require.NoError(t, err)

	results := lock.UnlockAll(context.Background())
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, int32(1), unlocked.Load())
}

func TestBackupTakeAndList(t *testing.T) {
	dir := t.TempDir()
	audit := newTestAudit(t)
	b, err := NewBackup(&fakeClient{}, dir, nil, audit, logging.Default())
	require.NoError(t, err)

	path, err := b.Take(context.Background(), "acme/core")
	require.NoError(t, err)
	assert.FileExists(t, path)

	infos, err := b.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "acme/core", infos[0].Repo)
	assert.Positive(t, infos[0].Size)
}

func TestBackupFetchFailure(t *testing.T) {
	b, err := NewBackup(&fakeClient{stateErr: errors.New("gone")}, t.TempDir(), nil, newTestAudit(t), logging.Default())
	require.NoError(t, err)

	_, err = b.Take(context.Background(), "acme/core")
	assert.Error(t, err)
}

func TestDeleteBacksUpFirst(t *testing.T) {
	dir := t.TempDir()
	client := &fakeClient{}
	audit := newTestAudit(t)
	backup, err := NewBackup(client, dir, nil, audit, logging.Default())
	require.NoError(t, err)
	del, err := NewDelete(client, backup, true, nil, audit, logging.Default())
	require.NoError(t, err)

	require.NoError(t, del.Execute(context.Background(), "acme/core", 12))
	assert.Equal(t, []string{"acme/core"}, client.deleted)

	infos, err := backup.List()
	require.NoError(t, err)
	assert.Len(t, infos, 1)

	entries, err := audit.Recent(10)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "backup")
	assert.Contains(t, actions, "delete")
}

func TestDeleteProceedsWhenBackupFails(t *testing.T) {
	client := &fakeClient{stateErr: errors.New("state unavailable")}
	audit := newTestAudit(t)
	backup, err := NewBackup(client, t.TempDir(), nil, audit, logging.Default())
	require.NoError(t, err)
	del, err := NewDelete(client, backup, true, nil, audit, logging.Default())
	require.NoError(t, err)

	require.NoError(t, del.Execute(context.Background(), "acme/core", 16))
	assert.Equal(t, []string{"acme/core"}, client.deleted)
}

func TestDeletePropagatesProviderFailure(t *testing.T) {
	client := &fakeClient{deleteErr: errors.New("forbidden")}
	del, err := NewDelete(client, nil, false, nil, newTestAudit(t), logging.Default())
	require.NoError(t, err)

	err = del.Execute(context.Background(), "acme/core", 16)
	assert.Error(t, err)
}
