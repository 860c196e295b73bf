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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/pkg/logging"
)

const crossRepoName = "cross_repo"

// crossRepoParallelism bounds concurrent per-repo probe fan-out.
const crossRepoParallelism = 8

// CrossRepo correlates failures across the full critical-repository
// set. Isolated single-repo issues are ignored here (the per-repo
// detectors already score them); broad simultaneous failure is
// amplified because it is strong evidence of compromise rather than
// noise.
type CrossRepo struct {
	state  *StateInvariant
	dual   *DualCredential
	canary *WriteCanary
	logger *logging.Logger

	// systemic and potential are failure-rate tiers. At or above
	// systemic, risk = failed count doubled. At or above potential,
	// risk = failed count flat. Below potential, zero.
	systemic  float64
	potential float64
}

// NewCrossRepo creates the correlator over the three per-repo
// detectors.
func NewCrossRepo(state *StateInvariant, dual *DualCredential, canary *WriteCanary, systemic, potential float64, logger *logging.Logger) (*CrossRepo, error) {
	if state == nil || dual == nil || canary == nil {
		return nil, fmt.Errorf("all three per-repo detectors are required")
	}
	if potential > systemic {
		return nil, fmt.Errorf("potential threshold %v exceeds systemic threshold %v", potential, systemic)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CrossRepo{
		state:     state,
		dual:      dual,
		canary:    canary,
		logger:    logger,
		systemic:  systemic,
		potential: potential,
	}, nil
}

// Check probes every repository in parallel and scores the failure
// rate.
//
// # Description
//
// A repository fails when its three per-repo detector risks sum to a
// nonzero value. NoData outcomes and per-repo errors count as passes:
// this detector correlates confirmed failures, not unknowns. The
// entries function supplies each repository's baseline entry (nil
// when none exists).
func (d *CrossRepo) Check(ctx context.Context, repos []string, entries func(repo string) *baseline.Entry) Result {
	if len(repos) == 0 {
		return NoData(crossRepoName, "no repositories to correlate")
	}

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(crossRepoParallelism)
	for _, repo := range repos {
		g.Go(func() error {
			sum := 0.0
			sum += d.state.Check(gctx, repo, entries(repo)).Risk
			sum += d.dual.Check(gctx, repo).Risk
			sum += d.canary.Check(gctx, repo).Risk
			if sum > 0 {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	// Goroutines only record, never return errors.
	_ = g.Wait()

	rate := float64(failed) / float64(len(repos))
	switch {
	case rate >= d.systemic:
		d.logger.Error("systemic cross-repo failure",
			"failed", failed, "total", len(repos), "rate", rate)
		return Risky(crossRepoName, float64(failed*2), TagCrossRepoSystemic,
			fmt.Sprintf("%d of %d repositories failing (systemic)", failed, len(repos)))
	case rate >= d.potential:
		d.logger.Warn("elevated cross-repo failure",
			"failed", failed, "total", len(repos), "rate", rate)
		return Risky(crossRepoName, float64(failed), TagCrossRepoPotential,
			fmt.Sprintf("%d of %d repositories failing", failed, len(repos)))
	}
	return Clear(crossRepoName)
}
