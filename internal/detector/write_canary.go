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

	"github.com/google/uuid"

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

const (
	writeCanaryName    = "write_canary"
	canaryBranchPrefix = "reposentry-canary-"
	canaryAttempts     = 3
	canaryRiskPerFail  = 3
)

// WriteCanary verifies write capability by creating and deleting a
// uniquely named throwaway branch.
//
// Thread Safety: safe for concurrent use; the abandoned-branch ledger
// is mutex-guarded.
type WriteCanary struct {
	client github.Client
	logger *logging.Logger

	mu        sync.Mutex
	abandoned map[string][]string
}

// NewWriteCanary creates the detector.
func NewWriteCanary(client github.Client, logger *logging.Logger) (*WriteCanary, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WriteCanary{
		client:    client,
		logger:    logger,
		abandoned: make(map[string][]string),
	}, nil
}

// Check attempts up to three canary create/delete round trips.
//
// # Description
//
// A 403/404 on an attempt counts as a write-capability failure and the
// next attempt proceeds. Any other error aborts the whole check as
// NoData: transport noise is not authorization evidence. Success on
// any attempt clears the check and sweeps branches abandoned by
// earlier runs. Risk is failures times three, so three denied
// attempts score 9.
func (d *WriteCanary) Check(ctx context.Context, repo string) Result {
	failures := 0
	for attempt := 0; attempt < canaryAttempts; attempt++ {
		branch := canaryBranchPrefix + uuid.NewString()

		err := d.client.CreateBranch(ctx, repo, branch)
		if err != nil {
			if github.IsAccessDenied(err) {
				failures++
				continue
			}
			d.logger.Warn("canary aborted", "repo", repo, "error", err)
			return NoData(writeCanaryName, fmt.Sprintf("non-authorization error: %v", err))
		}

		if err := d.client.DeleteBranch(ctx, repo, branch); err != nil {
			// Created but not deleted: remember it for the next sweep.
			d.remember(repo, branch)
			d.logger.Warn("canary branch left behind", "repo", repo, "branch", branch, "error", err)
		}

		d.sweep(ctx, repo)
		return Clear(writeCanaryName)
	}

	return Risky(writeCanaryName, float64(failures*canaryRiskPerFail), TagWriteFailure,
		fmt.Sprintf("%d of %d canary writes denied", failures, canaryAttempts))
}

func (d *WriteCanary) remember(repo, branch string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abandoned[repo] = append(d.abandoned[repo], branch)
}

// sweep deletes previously abandoned canary branches, keeping the
// ones that still refuse deletion.
func (d *WriteCanary) sweep(ctx context.Context, repo string) {
	d.mu.Lock()
	branches := d.abandoned[repo]
	delete(d.abandoned, repo)
	d.mu.Unlock()

	var remaining []string
	for _, branch := range branches {
		if err := d.client.DeleteBranch(ctx, repo, branch); err != nil {
			remaining = append(remaining, branch)
			d.logger.Warn("abandoned canary cleanup failed", "repo", repo, "branch", branch, "error", err)
		}
	}
	if len(remaining) > 0 {
		d.mu.Lock()
		d.abandoned[repo] = append(d.abandoned[repo], remaining...)
		d.mu.Unlock()
	}
}
