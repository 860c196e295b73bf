// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package github

import "time"

// Visibility is a repository's visibility setting.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// RepoState is the live, per-check snapshot of a repository's
// security-relevant configuration. It is ephemeral: fetched fresh for
// every check and persisted only inside a baseline or backup artifact.
type RepoState struct {
	Owner            string                 `json:"owner"`
	Admins           []string               `json:"admins"`
	BranchProtection []BranchProtectionRule `json:"branch_protection"`
	Webhooks         []Webhook              `json:"webhooks"`
	DefaultBranch    string                 `json:"default_branch"`
	Visibility       Visibility             `json:"visibility"`
	Archived         bool                   `json:"archived"`
	Disabled         bool                   `json:"disabled"`
}

// BranchProtectionRule describes the protection applied to a branch.
type BranchProtectionRule struct {
	Branch               string   `json:"branch"`
	RequiredReviewers    int      `json:"required_reviewers"`
	RequiredStatusChecks []string `json:"required_status_checks"`
	EnforceAdmins        bool     `json:"enforce_admins"`
	AllowForcePush       bool     `json:"allow_force_push"`
	AllowDeletions       bool     `json:"allow_deletions"`
}

// Webhook describes a repository webhook.
type Webhook struct {
	ID     int64    `json:"id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
}

// Fingerprint is the immutable identity of a repository. Unlike
// RepoState it should never change for the lifetime of the repo; a
// fingerprint mismatch means the name now points at a different
// repository entirely.
type Fingerprint struct {
	RepoID           int64     `json:"repo_id" validate:"required"`
	CreatedAt        time.Time `json:"created_at" validate:"required"`
	RootCommitSHA    string    `json:"root_commit_sha"`
	OwnerOrgID       int64     `json:"owner_org_id"`
	DefaultBranchSHA string    `json:"default_branch_sha"`
}

// Submodule is one pinned submodule reference.
type Submodule struct {
	Path      string `json:"path"`
	RemoteURL string `json:"remote_url"`
	CommitSHA string `json:"commit_sha"`
}

// Workflow is a CI workflow file identified by path and content hash.
type Workflow struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
}

// Credential selects one of the two independently scoped credentials
// used by the dual-credential detector.
type Credential string

const (
	CredentialA Credential = "A"
	CredentialB Credential = "B"
)

// AccessResult is the outcome of probing a repository with one
// credential.
type AccessResult struct {
	HasAccess   bool
	AdminAccess bool
	ReadAccess  bool
	WriteAccess bool
	StatusCode  int
	Err         error
}

// AuditEvent is one entry from the organization audit/activity feed.
type AuditEvent struct {
	Type      string         `json:"type"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Repo      string         `json:"repo"`
	Payload   map[string]any `json:"payload,omitempty"`
}
