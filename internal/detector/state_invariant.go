// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"context"
	"fmt"
	"strings"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

const stateInvariantName = "state_invariant"

// severityRisk maps diff severity to the bounded risk this detector
// reports.
func severityRisk(sev baseline.Severity) float64 {
	switch sev {
	case baseline.SeverityCritical:
		return 10
	case baseline.SeverityHigh:
		return 8
	case baseline.SeverityMedium:
		return 6
	case baseline.SeverityLow:
		return 5
	}
	return 0
}

// StateInvariant diffs live repository state against the trusted
// baseline.
type StateInvariant struct {
	client github.Client
	logger *logging.Logger
}

// NewStateInvariant creates the detector.
func NewStateInvariant(client github.Client, logger *logging.Logger) (*StateInvariant, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StateInvariant{client: client, logger: logger}, nil
}

// Check compares the repository's current state against its baseline
// entry.
//
// # Description
//
// Without a baseline entry there is nothing to compare: NoData. A
// fetch failure is also NoData, since network and access failures are not
// compromise evidence for this detector; the cross-repository
// detector owns that correlation. A fingerprint identity mismatch is
// the worst case: the name now points at a different repository.
func (d *StateInvariant) Check(ctx context.Context, repo string, entry *baseline.Entry) Result {
	if entry == nil {
		return NoData(stateInvariantName, "no baseline entry")
	}

	current, err := d.client.FetchRepoState(ctx, repo)
	if err != nil {
		d.logger.Warn("state check fetch failed", "repo", repo, "error", err)
		return NoData(stateInvariantName, fmt.Sprintf("fetch failed: %v", err))
	}

	if fp, err := d.client.FetchFingerprint(ctx, repo); err == nil {
		if fp.RepoID != entry.Fingerprint.RepoID {
			return Risky(stateInvariantName, severityRisk(baseline.SeverityCritical),
				TagStateInvariantBreak,
				fmt.Sprintf("fingerprint mismatch: repo id %d, expected %d", fp.RepoID, entry.Fingerprint.RepoID))
		}
	}

	if baseline.HashState(*current) == entry.StateHash {
		return Clear(stateInvariantName)
	}

	changes, sev := baseline.Diff(entry.State, *current)
	if len(changes) == 0 {
		// Hash caught a divergence the field diff does not model yet.
		return Risky(stateInvariantName, severityRisk(baseline.SeverityLow),
			TagStateInvariantBreak, "state hash changed with no field-level diff")
	}

	res := Risky(stateInvariantName, severityRisk(sev), TagStateInvariantBreak, summarize(changes))
	res.Changes = changes
	return res
}

func summarize(changes []baseline.Change) string {
	msgs := make([]string, 0, len(changes))
	for _, c := range changes {
		msgs = append(msgs, c.Message)
	}
	return strings.Join(msgs, "; ")
}
