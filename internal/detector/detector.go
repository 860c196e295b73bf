// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package detector implements the detection suite: state-invariant
// diffing, dual-credential probing, write canaries, negative
// authorization polling, cross-repository correlation, and the
// temporal consistency gate.
//
// Every detector converts its own errors into a NoData result rather
// than propagating them; one flaky detector never aborts a detection
// cycle. NoData is distinct from Clear: "could not look" is not
// evidence of health, and it neither feeds the accumulator nor resets
// the temporal gate.
package detector

import (
	"github.com/reposentry/reposentry/internal/baseline"
)

// Outcome classifies a detector run.
type Outcome string

const (
	// OutcomeNoData means the detector could not gather evidence
	// (transport failure, missing baseline). Scores nothing.
	OutcomeNoData Outcome = "no_data"

	// OutcomeClear means the detector looked and found nothing wrong.
	OutcomeClear Outcome = "clear"

	// OutcomeRisky means the detector found evidence of control loss.
	OutcomeRisky Outcome = "risky"
)

// Result is the outcome of one detector run against one repository.
type Result struct {
	Detector string            `json:"detector"`
	Outcome  Outcome           `json:"outcome"`
	Risk     float64           `json:"risk"`
	Tag      string            `json:"tag,omitempty"`
	Note     string            `json:"note,omitempty"`
	Changes  []baseline.Change `json:"changes,omitempty"`
}

// NoData builds a no-evidence result.
func NoData(detector, note string) Result {
	return Result{Detector: detector, Outcome: OutcomeNoData, Note: note}
}

// Clear builds a clean result.
func Clear(detector string) Result {
	return Result{Detector: detector, Outcome: OutcomeClear}
}

// Risky builds a non-zero risk result. A zero risk value degrades to
// Clear so callers can branch on Outcome alone.
func Risky(detector string, risk float64, tag, note string) Result {
	if risk <= 0 {
		return Clear(detector)
	}
	return Result{Detector: detector, Outcome: OutcomeRisky, Risk: risk, Tag: tag, Note: note}
}

// Event tags fed to the risk accumulator.
const (
	TagAdminRemoved          = "admin_removed"
	TagRepoTransferred       = "repo_transferred"
	TagPermissionDowngraded  = "permission_downgraded"
	TagBranchProtectionGone  = "branch_protection_removed"
	TagWriteFailure          = "write_failure"
	TagStateInvariantBreak   = "state_invariant_break"
	TagDualCredentialSplit   = "dual_credential_disagree"
	TagDualCredentialAllFail = "dual_credential_both_fail"
	TagCrossRepoSystemic     = "cross_repo_systemic"
	TagCrossRepoPotential    = "cross_repo_potential"
)
