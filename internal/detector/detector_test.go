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
	"sync"
	"time"

	"github.com/reposentry/reposentry/internal/github"
)

// fakeClient implements github.Client with overridable behavior per
// method. Unset methods return zero values.
type fakeClient struct {
	mu sync.Mutex

	repoState    func(repo string) (*github.RepoState, error)
	fingerprint  func(repo string) (*github.Fingerprint, error)
	checkAccess  func(repo string, cred github.Credential) (*github.AccessResult, error)
	createBranch func(repo, branch string) error
	deleteBranch func(repo, branch string) error
	auditFeed    func(since time.Time) ([]github.AuditEvent, error)

	createdBranches []string
	deletedBranches []string
}

func (f *fakeClient) FetchRepoState(_ context.Context, repo string) (*github.RepoState, error) {
	if f.repoState == nil {
		return &github.RepoState{}, nil
	}
	return f.repoState(repo)
}

func (f *fakeClient) FetchFingerprint(_ context.Context, repo string) (*github.Fingerprint, error) {
	if f.fingerprint == nil {
		return nil, errors.New("not implemented")
	}
	return f.fingerprint(repo)
}

func (f *fakeClient) FetchSubmodules(context.Context, string) ([]github.Submodule, error) {
	return nil, nil
}

func (f *fakeClient) FetchWorkflows(context.Context, string) ([]github.Workflow, error) {
	return nil, nil
}

func (f *fakeClient) CheckAccess(_ context.Context, repo string, cred github.Credential) (*github.AccessResult, error) {
	if f.checkAccess == nil {
		return &github.AccessResult{HasAccess: true, AdminAccess: true}, nil
	}
	return f.checkAccess(repo, cred)
}

func (f *fakeClient) CreateBranch(_ context.Context, repo, branch string) error {
	f.mu.Lock()
	f.createdBranches = append(f.createdBranches, branch)
	f.mu.Unlock()
	if f.createBranch == nil {
		return nil
	}
	return f.createBranch(repo, branch)
}

func (f *fakeClient) DeleteBranch(_ context.Context, repo, branch string) error {
	f.mu.Lock()
	f.deletedBranches = append(f.deletedBranches, branch)
	f.mu.Unlock()
	if f.deleteBranch == nil {
		return nil
	}
	return f.deleteBranch(repo, branch)
}

func (f *fakeClient) DeleteRepository(context.Context, string) error { return nil }

func (f *fakeClient) FetchAuditFeed(_ context.Context, since time.Time) ([]github.AuditEvent, error) {
	if f.auditFeed == nil {
		return nil, nil
	}
	return f.auditFeed(since)
}

func (f *fakeClient) ListOrgRepos(context.Context, string) ([]string, error) { return nil, nil }
