// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package baseline maintains the trusted snapshot of expected
// repository configuration: the ground truth every detection cycle
// diffs the live state against.
package baseline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

// Severity classifies how alarming a state divergence is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for max comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast returns true when s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

func maxSeverity(a, b Severity) Severity {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Entry is the trusted snapshot for one repository. The full
// normalized state is retained alongside its hash so diffs compare
// every tracked field, not a reconstruction.
type Entry struct {
	Repo        string             `json:"repo" validate:"required"`
	StateHash   string             `json:"state_hash" validate:"required,len=64,hexadecimal"`
	State       github.RepoState   `json:"state"`
	Fingerprint github.Fingerprint `json:"fingerprint"`
	Submodules  []github.Submodule `json:"submodules,omitempty"`
	Workflows   []github.Workflow  `json:"workflows,omitempty"`
}

// Baseline is the versioned set of trusted snapshots, keyed by
// repository name. Immutable once established; re-established
// wholesale, never patched.
type Baseline struct {
	Version   int              `json:"version" validate:"required,min=1"`
	CreatedAt time.Time        `json:"created_at" validate:"required"`
	Entries   map[string]Entry `json:"entries" validate:"required,min=1"`
}

// Entry returns the snapshot for a repository, or nil when the
// repository is not under baseline.
func (b *Baseline) Entry(repo string) *Entry {
	if b == nil {
		return nil
	}
	e, ok := b.Entries[repo]
	if !ok {
		return nil
	}
	return &e
}

// Manager establishes, loads, and diffs baselines.
type Manager struct {
	client    github.Client
	store     *Store
	validator *Validator
	logger    *logging.Logger
}

// NewManager creates a baseline manager.
func NewManager(client github.Client, store *Store, logger *logging.Logger) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		client:    client,
		store:     store,
		validator: NewValidator(),
		logger:    logger,
	}, nil
}

// Establish fetches full state for every given repository, validates
// the result, and persists it as the new baseline.
//
// # Description
//
// Establishment is all-or-nothing: if any single repository's fetch
// fails, no baseline is written and the previous one stays in force.
// A partial baseline would silently drop repositories from
// monitoring, which is worse than keeping a stale one.
func (m *Manager) Establish(ctx context.Context, repos []string) (*Baseline, error) {
	if len(repos) == 0 {
		return nil, fmt.Errorf("no repositories to baseline")
	}

	prev, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	b := &Baseline{
		Version:   version,
		CreatedAt: time.Now().UTC(),
		Entries:   make(map[string]Entry, len(repos)),
	}

	for _, repo := range repos {
		entry, err := m.snapshot(ctx, repo)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", repo, err)
		}
		b.Entries[repo] = *entry
	}

	if err := m.validator.Validate(b); err != nil {
		return nil, fmt.Errorf("baseline failed validation: %w", err)
	}
	if err := m.store.Save(b); err != nil {
		return nil, err
	}

	m.logger.Info("baseline established",
		"version", b.Version,
		"repos", len(b.Entries))
	return b, nil
}

// snapshot fetches and assembles one repository's baseline entry.
func (m *Manager) snapshot(ctx context.Context, repo string) (*Entry, error) {
	state, err := m.client.FetchRepoState(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	fp, err := m.client.FetchFingerprint(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("fetch fingerprint: %w", err)
	}
	subs, err := m.client.FetchSubmodules(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("fetch submodules: %w", err)
	}
	workflows, err := m.client.FetchWorkflows(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("fetch workflows: %w", err)
	}
	return &Entry{
		Repo:        repo,
		StateHash:   HashState(*state),
		State:       *state,
		Fingerprint: *fp,
		Submodules:  subs,
		Workflows:   workflows,
	}, nil
}

// Load returns the persisted baseline, validated, or (nil, nil) when
// none exists. Absence means "not yet initialized", not an error. A
// persisted baseline that fails validation is an error: corrupt state
// must never silently pass as ground truth.
func (m *Manager) Load() (*Baseline, error) {
	b, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	if err := m.validator.Validate(b); err != nil {
		return nil, fmt.Errorf("persisted baseline failed validation: %w", err)
	}
	return b, nil
}

// normalizedState mirrors RepoState with all set-valued fields
// sorted, so the hash is independent of API reply ordering.
type normalizedState struct {
	Owner            string                        `json:"owner"`
	Admins           []string                      `json:"admins"`
	BranchProtection []github.BranchProtectionRule `json:"branch_protection"`
	Webhooks         []github.Webhook              `json:"webhooks"`
	DefaultBranch    string                        `json:"default_branch"`
	Visibility       github.Visibility             `json:"visibility"`
	Archived         bool                          `json:"archived"`
	Disabled         bool                          `json:"disabled"`
}

// HashState computes the canonical digest of a repository state.
//
// # Description
//
// Pure function. Admins, status-check names, webhook event lists, and
// the rule/webhook collections themselves are sorted before
// serialization, so unrelated reordering in API responses never
// produces a different hash or a false diff.
func HashState(state github.RepoState) string {
	n := normalizedState{
		Owner:            state.Owner,
		Admins:           sortedCopy(state.Admins),
		BranchProtection: make([]github.BranchProtectionRule, len(state.BranchProtection)),
		Webhooks:         make([]github.Webhook, len(state.Webhooks)),
		DefaultBranch:    state.DefaultBranch,
		Visibility:       state.Visibility,
		Archived:         state.Archived,
		Disabled:         state.Disabled,
	}
	for i, rule := range state.BranchProtection {
		rule.RequiredStatusChecks = sortedCopy(rule.RequiredStatusChecks)
		n.BranchProtection[i] = rule
	}
	sort.Slice(n.BranchProtection, func(i, j int) bool {
		return n.BranchProtection[i].Branch < n.BranchProtection[j].Branch
	})
	for i, hook := range state.Webhooks {
		hook.Events = sortedCopy(hook.Events)
		n.Webhooks[i] = hook
	}
	sort.Slice(n.Webhooks, func(i, j int) bool {
		if n.Webhooks[i].URL != n.Webhooks[j].URL {
			return n.Webhooks[i].URL < n.Webhooks[j].URL
		}
		return n.Webhooks[i].ID < n.Webhooks[j].ID
	})

	data, err := json.Marshal(n)
	if err != nil {
		// Marshal of a plain struct cannot fail; keep the signature pure.
		panic(fmt.Sprintf("hash state: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Change is one human-readable divergence between baseline and
// current state.
type Change struct {
	Field    string   `json:"field"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Diff compares a baseline state against the current state and
// returns the change list with an overall severity: the maximum of
// all individual findings, never a sum.
func Diff(base, current github.RepoState) ([]Change, Severity) {
	var changes []Change
	add := func(field, msg string, sev Severity) {
		changes = append(changes, Change{Field: field, Message: msg, Severity: sev})
	}

	if base.Owner != current.Owner {
		add("owner", fmt.Sprintf("owner changed from %q to %q", base.Owner, current.Owner), SeverityCritical)
	}

	baseAdmins := stringSet(base.Admins)
	curAdmins := stringSet(current.Admins)
	for _, admin := range base.Admins {
		if !curAdmins[admin] {
			// Losing an admin is loss of control regardless of what
			// else changed.
			add("admins", fmt.Sprintf("admin %q removed", admin), SeverityCritical)
		}
	}
	for _, admin := range current.Admins {
		if !baseAdmins[admin] {
			add("admins", fmt.Sprintf("admin %q added", admin), SeverityMedium)
		}
	}

	if base.DefaultBranch != current.DefaultBranch {
		add("default_branch", fmt.Sprintf("default branch changed from %q to %q", base.DefaultBranch, current.DefaultBranch), SeverityMedium)
	}
	if base.Visibility != current.Visibility {
		add("visibility", fmt.Sprintf("visibility changed from %s to %s", base.Visibility, current.Visibility), SeverityHigh)
	}
	if base.Archived != current.Archived {
		add("archived", fmt.Sprintf("archived flag changed from %t to %t", base.Archived, current.Archived), SeverityMedium)
	}

	diffProtection(base.BranchProtection, current.BranchProtection, add)

	overall := Severity("")
	for _, c := range changes {
		overall = maxSeverity(overall, c.Severity)
	}
	return changes, overall
}

func diffProtection(base, current []github.BranchProtectionRule, add func(string, string, Severity)) {
	curByBranch := make(map[string]github.BranchProtectionRule, len(current))
	for _, rule := range current {
		curByBranch[rule.Branch] = rule
	}
	baseByBranch := make(map[string]github.BranchProtectionRule, len(base))
	for _, rule := range base {
		baseByBranch[rule.Branch] = rule
	}

	for _, b := range base {
		c, ok := curByBranch[b.Branch]
		if !ok {
			add("branch_protection", fmt.Sprintf("protection removed from branch %q", b.Branch), SeverityHigh)
			continue
		}
		if b.RequiredReviewers != c.RequiredReviewers {
			sev := SeverityMedium
			if c.RequiredReviewers < b.RequiredReviewers {
				sev = SeverityHigh
			}
			add("branch_protection", fmt.Sprintf("branch %q required reviewers changed from %d to %d", b.Branch, b.RequiredReviewers, c.RequiredReviewers), sev)
		}
		if b.EnforceAdmins != c.EnforceAdmins {
			sev := SeverityMedium
			if b.EnforceAdmins && !c.EnforceAdmins {
				sev = SeverityHigh
			}
			add("branch_protection", fmt.Sprintf("branch %q enforce-admins changed from %t to %t", b.Branch, b.EnforceAdmins, c.EnforceAdmins), sev)
		}
		if !b.AllowForcePush && c.AllowForcePush {
			add("branch_protection", fmt.Sprintf("branch %q now allows force pushes", b.Branch), SeverityHigh)
		}
		if !b.AllowDeletions && c.AllowDeletions {
			add("branch_protection", fmt.Sprintf("branch %q now allows deletions", b.Branch), SeverityHigh)
		}
		if !equalStringSets(b.RequiredStatusChecks, c.RequiredStatusChecks) {
			add("branch_protection", fmt.Sprintf("branch %q required status checks changed", b.Branch), SeverityMedium)
		}
	}
	for _, c := range current {
		if _, ok := baseByBranch[c.Branch]; !ok {
			add("branch_protection", fmt.Sprintf("protection added to branch %q", c.Branch), SeverityLow)
		}
	}
}

func stringSet(in []string) map[string]bool {
	out := make(map[string]bool, len(in))
	for _, s := range in {
		out[s] = true
	}
	return out
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := stringSet(a)
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
