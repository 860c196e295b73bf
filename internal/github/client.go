// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package github is the narrow client interface RepoSentry consumes
// from the repository-hosting provider, plus a REST implementation.
//
// Detectors and responders depend only on the Client interface so
// tests can substitute fakes, and so the provider wire format stays
// out of the core.
package github

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is the provider surface the enforcement core depends on.
//
// All methods take a context and must respect its deadline; the REST
// implementation additionally applies a per-call timeout so no
// detection cycle can block indefinitely on one request.
type Client interface {
	// FetchRepoState returns the live security-relevant state of a
	// repository.
	FetchRepoState(ctx context.Context, repo string) (*RepoState, error)

	// FetchFingerprint returns the repository's immutable identity.
	FetchFingerprint(ctx context.Context, repo string) (*Fingerprint, error)

	// FetchSubmodules returns the pinned submodule references, or an
	// empty slice when the repo has none.
	FetchSubmodules(ctx context.Context, repo string) ([]Submodule, error)

	// FetchWorkflows returns CI workflow file paths with content
	// hashes, or an empty slice when the repo has none.
	FetchWorkflows(ctx context.Context, repo string) ([]Workflow, error)

	// CheckAccess probes the repository with the selected credential
	// and reports the access breakdown. A denied probe is reported in
	// the AccessResult, not as an error; the error return is reserved
	// for transport failures.
	CheckAccess(ctx context.Context, repo string, cred Credential) (*AccessResult, error)

	// CreateBranch creates a branch at the head of the default branch.
	CreateBranch(ctx context.Context, repo, branch string) error

	// DeleteBranch deletes a branch.
	DeleteBranch(ctx context.Context, repo, branch string) error

	// DeleteRepository permanently deletes a repository.
	DeleteRepository(ctx context.Context, repo string) error

	// FetchAuditFeed returns organization audit/activity events at or
	// after the given time.
	FetchAuditFeed(ctx context.Context, since time.Time) ([]AuditEvent, error)

	// ListOrgRepos lists repository names in the organization whose
	// name matches the given regular expression pattern.
	ListOrgRepos(ctx context.Context, pattern string) ([]string, error)
}

// StatusError is returned by the REST client when the provider answers
// with a non-2xx status. Detectors use the code to distinguish
// authorization failures (403/404) from transport noise.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d for %s", e.Code, e.URL)
}

// StatusCode extracts the HTTP status from an error chain. Returns 0
// when the error carries no status (network failure, timeout).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// IsAccessDenied reports whether the error is a 403 or 404 from the
// provider. The provider returns 404 for repositories the credential
// cannot see, so both codes count as authorization evidence.
func IsAccessDenied(err error) bool {
	code := StatusCode(err)
	return code == 403 || code == 404
}
