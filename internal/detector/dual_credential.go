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

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

const dualCredentialName = "dual_credential"

// DualCredential probes a repository with two independently scoped
// credentials and scores disagreement between them.
//
// Two independent grants losing access at the same time is unlikely
// to be benign; one losing access while the other keeps it means
// someone is editing permissions.
type DualCredential struct {
	client github.Client
	logger *logging.Logger
}

// NewDualCredential creates the detector.
func NewDualCredential(client github.Client, logger *logging.Logger) (*DualCredential, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DualCredential{client: client, logger: logger}, nil
}

// Check probes with both credentials and compares the outcomes.
// Transport errors on either probe yield NoData: errors are not
// authorization evidence.
func (d *DualCredential) Check(ctx context.Context, repo string) Result {
	resA, err := d.client.CheckAccess(ctx, repo, github.CredentialA)
	if err != nil {
		d.logger.Warn("credential A probe failed", "repo", repo, "error", err)
		return NoData(dualCredentialName, fmt.Sprintf("credential A probe failed: %v", err))
	}
	resB, err := d.client.CheckAccess(ctx, repo, github.CredentialB)
	if err != nil {
		d.logger.Warn("credential B probe failed", "repo", repo, "error", err)
		return NoData(dualCredentialName, fmt.Sprintf("credential B probe failed: %v", err))
	}

	switch {
	case !resA.HasAccess && !resB.HasAccess:
		return Risky(dualCredentialName, 8, TagDualCredentialAllFail,
			"both credentials lost access simultaneously")
	case resA.HasAccess != resB.HasAccess:
		return Risky(dualCredentialName, 6, TagDualCredentialSplit,
			fmt.Sprintf("credential access disagrees: A=%t B=%t", resA.HasAccess, resB.HasAccess))
	case resA.AdminAccess != resB.AdminAccess:
		return Risky(dualCredentialName, 7, TagDualCredentialSplit,
			fmt.Sprintf("admin access disagrees: A=%t B=%t", resA.AdminAccess, resB.AdminAccess))
	}
	return Clear(dualCredentialName)
}
