// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package github

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient is a minimal in-memory Client for discovery tests.
type fakeClient struct {
	repos  []string
	states map[string]*RepoState
	errs   map[string]error
}

func (f *fakeClient) FetchRepoState(ctx context.Context, repo string) (*RepoState, error) {
	if err, ok := f.errs[repo]; ok {
		return nil, err
	}
	if s, ok := f.states[repo]; ok {
		return s, nil
	}
	return &RepoState{Owner: "acme"}, nil
}

func (f *fakeClient) FetchFingerprint(ctx context.Context, repo string) (*Fingerprint, error) {
	return &Fingerprint{RepoID: 1, CreatedAt: time.Now()}, nil
}

func (f *fakeClient) FetchSubmodules(ctx context.Context, repo string) ([]Submodule, error) {
	return nil, nil
}

func (f *fakeClient) FetchWorkflows(ctx context.Context, repo string) ([]Workflow, error) {
	return nil, nil
}

func (f *fakeClient) CheckAccess(ctx context.Context, repo string, cred Credential) (*AccessResult, error) {
	return &AccessResult{HasAccess: true}, nil
}

func (f *fakeClient) CreateBranch(ctx context.Context, repo, branch string) error  { return nil }
func (f *fakeClient) DeleteBranch(ctx context.Context, repo, branch string) error  { return nil }
func (f *fakeClient) DeleteRepository(ctx context.Context, repo string) error      { return nil }
func (f *fakeClient) ListOrgRepos(ctx context.Context, pattern string) ([]string, error) {
	return f.repos, nil
}

func (f *fakeClient) FetchAuditFeed(ctx context.Context, since time.Time) ([]AuditEvent, error) {
	return nil, nil
}

func TestDiscovery_FiltersArchivedAndDisabled(t *testing.T) {
	client := &fakeClient{
		repos: []string{"platform", "old-api", "broken", "web"},
		states: map[string]*RepoState{
			"old-api": {Archived: true},
			"web":     {Disabled: true},
		},
		errs: map[string]error{
			"broken": fmt.Errorf("boom"),
		},
	}

	d, err := NewDiscovery(client, "^.*$", nil)
	require.NoError(t, err)

	active, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"platform"}, active)
}

func TestDiscovery_CriticalReposPriorityOrder(t *testing.T) {
	client := &fakeClient{
		repos: []string{"acme-docs", "acme-platform", "acme-web", "acme-core-api"},
	}

	d, err := NewDiscovery(client, "^acme-", []string{"core-api", "platform"})
	require.NoError(t, err)

	repos, err := d.CriticalRepos(context.Background())
	require.NoError(t, err)

	require.Len(t, repos, 4)
	assert.Equal(t, "acme-core-api", repos[0])
	assert.Equal(t, "acme-platform", repos[1])
	// Remaining repos keep discovery order, no duplicates.
	assert.ElementsMatch(t, []string{"acme-docs", "acme-web"}, repos[2:])
}

func TestNewDiscovery_Validation(t *testing.T) {
	_, err := NewDiscovery(nil, "x", nil)
	assert.Error(t, err)

	_, err = NewDiscovery(&fakeClient{}, "", nil)
	assert.Error(t, err)
}
