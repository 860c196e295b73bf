// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/internal/config"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/responder"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// fakeClient serves a mutable state per repo.
type fakeClient struct {
	mu         sync.Mutex
	states     map[string]github.RepoState
	deleted    []string
	denyAccess bool
}

func newFakeClient(repos ...string) *fakeClient {
	f := &fakeClient{states: make(map[string]github.RepoState)}
	for _, repo := range repos {
		f.states[repo] = github.RepoState{
			Owner:         "acme",
			Admins:        []string{"alice", "bob"},
			DefaultBranch: "main",
			Visibility:    github.VisibilityPrivate,
		}
	}
	return f
}

func (f *fakeClient) setState(repo string, state github.RepoState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[repo] = state
}

func (f *fakeClient) FetchRepoState(_ context.Context, repo string) (*github.RepoState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[repo]
	if !ok {
		return nil, &github.StatusError{Code: 404, URL: repo}
	}
	return &state, nil
}

func (f *fakeClient) FetchFingerprint(_ context.Context, repo string) (*github.Fingerprint, error) {
	return &github.Fingerprint{RepoID: 42, CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeClient) FetchSubmodules(context.Context, string) ([]github.Submodule, error) {
	return nil, nil
}

func (f *fakeClient) FetchWorkflows(context.Context, string) ([]github.Workflow, error) {
	return nil, nil
}

func (f *fakeClient) CheckAccess(context.Context, string, github.Credential) (*github.AccessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyAccess {
		return &github.AccessResult{}, nil
	}
	return &github.AccessResult{HasAccess: true, AdminAccess: true, ReadAccess: true, WriteAccess: true}, nil
}

func (f *fakeClient) CreateBranch(context.Context, string, string) error { return nil }
func (f *fakeClient) DeleteBranch(context.Context, string, string) error { return nil }

func (f *fakeClient) DeleteRepository(_ context.Context, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, repo)
	return nil
}

func (f *fakeClient) FetchAuditFeed(context.Context, time.Time) ([]github.AuditEvent, error) {
	return nil, nil
}

func (f *fakeClient) ListOrgRepos(context.Context, string) ([]string, error) { return nil, nil }

type countingChannel struct {
	calls atomic.Int32
}

func (c *countingChannel) Name() string { return "test" }

func (c *countingChannel) Send(context.Context, responder.Alert) error {
	c.calls.Add(1)
	return nil
}

type fixture struct {
	orch    *Orchestrator
	client  *fakeClient
	channel *countingChannel
	audit   *storage.AuditLog
	states  *storage.StateStore
}

func testConfig(repos ...string) *config.Config {
	cfg := config.Default()
	cfg.GitHub.Org = "acme"
	cfg.GitHub.AutoDiscover = false
	cfg.GitHub.CriticalRepos = repos
	// Keep the correlation, gating and cadence layers out of focused
	// tests: every detector runs on every cycle.
	cfg.Detection.CrossRepo.Enabled = false
	cfg.Detection.TemporalConsistency.RequiredFailures = 1
	cfg.Detection.TemporalConsistency.TimeWindow = 0
	cfg.Detection.StateInvariant.CheckInterval = 0
	cfg.Detection.NegativeAuth.PollInterval = 0
	cfg.Detection.WriteCanary.Interval = 0
	return &cfg
}

func newFixture(t *testing.T, cfg *config.Config, client *fakeClient) *fixture {
	t.Helper()
	logger := logging.Default()

	badgerDB, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	audit, err := storage.NewAuditLog(badgerDB, logger)
	require.NoError(t, err)
	states, err := storage.NewStateStore(badgerDB)
	require.NoError(t, err)

	store, err := baseline.NewStore(badgerDB, nil)
	require.NoError(t, err)
	baselines, err := baseline.NewManager(client, store, logger)
	require.NoError(t, err)

	lock, err := responder.NewLock(nil, audit, logger)
	require.NoError(t, err)
	backup, err := responder.NewBackup(client, t.TempDir(), nil, audit, logger)
	require.NoError(t, err)
	del, err := responder.NewDelete(client, backup, true, nil, audit, logger)
	require.NoError(t, err)

	channel := &countingChannel{}
	notifier, err := responder.NewNotifier([]responder.Channel{channel}, audit, logger)
	require.NoError(t, err)

	orch, err := New(cfg, Deps{
		Client:    client,
		Baselines: baselines,
		Audit:     audit,
		States:    states,
		Lock:      lock,
		Delete:    del,
		Notifier:  notifier,
	}, logger)
	require.NoError(t, err)

	return &fixture{orch: orch, client: client, channel: channel, audit: audit, states: states}
}

func TestInitializeEstablishesBaseline(t *testing.T) {
	client := newFakeClient("acme/core")
	f := newFixture(t, testConfig("acme/core"), client)

	f.orch.Initialize(context.Background())

	assert.Equal(t, []string{"acme/core"}, f.orch.CriticalRepos())
	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	require.NotNil(t, f.orch.baseline)
	assert.Contains(t, f.orch.baseline.Entries, "acme/core")
}

func TestCleanCycleScoresNothing(t *testing.T) {
	client := newFakeClient("acme/core")
	f := newFixture(t, testConfig("acme/core"), client)
	f.orch.Initialize(context.Background())

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	assert.Empty(t, f.orch.Scores()["acme/core"])
	assert.Equal(t, int32(0), f.channel.calls.Load())
}

func TestAdminRemovalTriggersLockResponse(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 6
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 200

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	// Bob loses admin after the baseline was taken.
	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))

	assert.Equal(t, float64(10), f.orch.Scores()["acme/core"])
	assert.Equal(t, int32(1), f.channel.calls.Load(), "breach must notify")

	entries, err := f.audit.Recent(20)
	require.NoError(t, err)
	actions := make(map[string]bool)
	for _, e := range entries {
		actions[e.Action] = true
	}
	assert.True(t, actions["detection"])
	assert.True(t, actions["lock"])
	assert.True(t, actions["notify"])
}

func TestAdminRemovalReachesDeleteAtDefaultThresholds(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 6
	cfg.Response.Thresholds.Warn = 10
	cfg.Response.Thresholds.Delete = 10
	cfg.Response.Thresholds.Immediate = 15

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))

	f.client.mu.Lock()
	deleted := append([]string(nil), f.client.deleted...)
	f.client.mu.Unlock()
	assert.Equal(t, []string{"acme/core"}, deleted)
}

func TestGracePeriodSuppressesRepeatResponse(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 6
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 200

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))

	// Same level within its 24h grace period: exactly one response.
	assert.Equal(t, int32(1), f.channel.calls.Load())
}

func TestHighRiskEscalatesToDelete(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 1
	cfg.Response.Thresholds.Warn = 2
	cfg.Response.Thresholds.Delete = 3
	cfg.Response.Thresholds.Immediate = 100

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	// Owner change reads as takeover: critical, risk 10, over delete.
	client.setState("acme/core", github.RepoState{
		Owner:         "intruder",
		Admins:        []string{"alice", "bob"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))

	f.client.mu.Lock()
	deleted := append([]string(nil), f.client.deleted...)
	f.client.mu.Unlock()
	assert.Equal(t, []string{"acme/core"}, deleted)
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 100
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 100

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})
	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	require.Equal(t, float64(10), f.orch.Scores()["acme/core"])

	// A fresh orchestrator over the same state store picks the score up.
	restarted, err := New(cfg, f.orch.deps, logging.Default())
	require.NoError(t, err)
	restarted.Initialize(context.Background())
	assert.Equal(t, float64(10), restarted.Scores()["acme/core"])
}

func TestDetectorIntervalSkipsEarlyRerun(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Detection.StateInvariant.CheckInterval = time.Hour
	cfg.Response.Thresholds.Lock = 100
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 100

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})

	// Two back-to-back cycles inside the check interval score the
	// divergence once, not twice.
	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	assert.Equal(t, float64(10), f.orch.Scores()["acme/core"])
}

func TestTemporalGateFlagControlsSuppression(t *testing.T) {
	tests := []struct {
		name        string
		gateEnabled bool
		want        float64
	}{
		{"disabled gate scores the first failure", false, 8},
		{"enabled gate suppresses below its failure count", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("acme/core")
			cfg.Detection.StateInvariant.Enabled = false
			cfg.Detection.WriteCanary.Enabled = false
			cfg.Detection.TemporalConsistency.Enabled = tt.gateEnabled
			cfg.Detection.TemporalConsistency.RequiredFailures = 12
			cfg.Detection.TemporalConsistency.TimeWindow = 6 * time.Hour
			cfg.Response.Thresholds.Lock = 100
			cfg.Response.Thresholds.Warn = 100
			cfg.Response.Thresholds.Delete = 100
			cfg.Response.Thresholds.Immediate = 100

			client := newFakeClient("acme/core")
			f := newFixture(t, cfg, client)
			f.orch.Initialize(context.Background())

			client.mu.Lock()
			client.denyAccess = true
			client.mu.Unlock()

			require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
			assert.Equal(t, tt.want, f.orch.Scores()["acme/core"])
		})
	}
}

func TestGracePeriodSurvivesRestart(t *testing.T) {
	cfg := testConfig("acme/core")
	cfg.Response.Thresholds.Lock = 6
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 200

	client := newFakeClient("acme/core")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	client.setState("acme/core", github.RepoState{
		Owner:         "acme",
		Admins:        []string{"alice"},
		DefaultBranch: "main",
		Visibility:    github.VisibilityPrivate,
	})
	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))
	require.Equal(t, int32(1), f.channel.calls.Load())

	// A restarted orchestrator must remember the executed lock and not
	// re-run it against the still-elevated score.
	restarted, err := New(cfg, f.orch.deps, logging.Default())
	require.NoError(t, err)
	restarted.Initialize(context.Background())
	require.NoError(t, restarted.RunDetectionCycle(context.Background()))

	assert.Equal(t, int32(1), f.channel.calls.Load())
}

func TestCrossRepoSystemicTaintsAllRepos(t *testing.T) {
	cfg := testConfig("acme/a", "acme/b")
	cfg.Detection.CrossRepo.Enabled = true
	cfg.Response.Thresholds.Lock = 100
	cfg.Response.Thresholds.Warn = 100
	cfg.Response.Thresholds.Delete = 100
	cfg.Response.Thresholds.Immediate = 100

	client := newFakeClient("acme/a", "acme/b")
	f := newFixture(t, cfg, client)
	f.orch.Initialize(context.Background())

	// Both repos diverge: per-repo risk plus a systemic contribution.
	for _, repo := range []string{"acme/a", "acme/b"} {
		client.setState(repo, github.RepoState{
			Owner:         "acme",
			Admins:        []string{"alice"},
			DefaultBranch: "main",
			Visibility:    github.VisibilityPrivate,
		})
	}

	require.NoError(t, f.orch.RunDetectionCycle(context.Background()))

	// 10 from the divergence, plus 2 failing repos doubled by the
	// systemic tier.
	scores := f.orch.Scores()
	assert.Equal(t, float64(14), scores["acme/a"])
	assert.Equal(t, float64(14), scores["acme/b"])
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	client := newFakeClient("acme/core")
	f := newFixture(t, testConfig("acme/core"), client)
	f.orch.Initialize(context.Background())

	s, err := NewScheduler(f.orch, 50*time.Millisecond, logging.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
