// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

// newCrossRepoSuite builds a correlator whose dual-credential probes
// fail for the given repos and pass everywhere else. State-invariant
// runs with no baseline (NoData) and canaries succeed, so the failing
// repos fail on the credential signal alone.
func newCrossRepoSuite(t *testing.T, failing map[string]bool) *CrossRepo {
	t.Helper()
	client := &fakeClient{
		checkAccess: func(repo string, _ github.Credential) (*github.AccessResult, error) {
			if failing[repo] {
				return &github.AccessResult{}, nil
			}
			return &github.AccessResult{HasAccess: true, AdminAccess: true}, nil
		},
	}
	state, err := NewStateInvariant(client, logging.Default())
	require.NoError(t, err)
	dual, err := NewDualCredential(client, logging.Default())
	require.NoError(t, err)
	canary, err := NewWriteCanary(client, logging.Default())
	require.NoError(t, err)
	cr, err := NewCrossRepo(state, dual, canary, 0.5, 0.25, logging.Default())
	require.NoError(t, err)
	return cr
}

func noBaseline(string) *baseline.Entry { return nil }

func TestCrossRepoSystemic(t *testing.T) {
	repos := []string{"acme/a", "acme/b", "acme/c", "acme/d"}
	cr := newCrossRepoSuite(t, map[string]bool{"acme/a": true, "acme/b": true, "acme/c": true})

	res := cr.Check(context.Background(), repos, noBaseline)
	assert.Equal(t, OutcomeRisky, res.Outcome)
	assert.Equal(t, float64(6), res.Risk) // 3 failed, doubled
	assert.Equal(t, TagCrossRepoSystemic, res.Tag)
}

func TestCrossRepoPotential(t *testing.T) {
	repos := []string{"acme/a", "acme/b", "acme/c", "acme/d"}
	cr := newCrossRepoSuite(t, map[string]bool{"acme/a": true})

	res := cr.Check(context.Background(), repos, noBaseline)
	assert.Equal(t, OutcomeRisky, res.Outcome)
	assert.Equal(t, float64(1), res.Risk) // 1 failed, flat
	assert.Equal(t, TagCrossRepoPotential, res.Tag)
}

func TestCrossRepoIsolatedFailureIgnored(t *testing.T) {
	repos := []string{"acme/a", "acme/b", "acme/c", "acme/d", "acme/e"}
	cr := newCrossRepoSuite(t, map[string]bool{"acme/a": true})

	// 1/5 = 0.2, below the potential tier.
	res := cr.Check(context.Background(), repos, noBaseline)
	assert.Equal(t, OutcomeClear, res.Outcome)
	assert.Zero(t, res.Risk)
}

func TestCrossRepoAllHealthy(t *testing.T) {
	repos := []string{"acme/a", "acme/b"}
	cr := newCrossRepoSuite(t, nil)

	res := cr.Check(context.Background(), repos, noBaseline)
	assert.Equal(t, OutcomeClear, res.Outcome)
}

func TestCrossRepoEmptySetIsNoData(t *testing.T) {
	cr := newCrossRepoSuite(t, nil)
	res := cr.Check(context.Background(), nil, noBaseline)
	assert.Equal(t, OutcomeNoData, res.Outcome)
}
