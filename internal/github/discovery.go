// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package github

import (
	"context"
	"fmt"
	"strings"
)

// Discovery auto-discovers the critical repository set by matching a
// name pattern against the organization's repositories and filtering
// out archived or disabled ones.
type Discovery struct {
	client  Client
	pattern string

	// priority lists repositories that should sort first in the
	// discovered set, so the most important repos are baselined and
	// checked even when discovery is truncated by configuration.
	priority []string
}

// NewDiscovery creates a Discovery.
//
// # Inputs
//
//   - client: Provider client. Must not be nil.
//   - pattern: Regular expression matched against repo names.
//   - priority: Repo names (or substrings) ordered first in results.
func NewDiscovery(client Client, pattern string, priority []string) (*Discovery, error) {
	if client == nil {
		return nil, fmt.Errorf("client must not be nil")
	}
	if pattern == "" {
		return nil, fmt.Errorf("pattern must not be empty")
	}
	return &Discovery{client: client, pattern: pattern, priority: priority}, nil
}

// Discover lists matching repositories that are active (not archived,
// not disabled). Repositories whose state cannot be fetched are
// skipped rather than failing the whole discovery.
func (d *Discovery) Discover(ctx context.Context) ([]string, error) {
	names, err := d.client.ListOrgRepos(ctx, d.pattern)
	if err != nil {
		return nil, fmt.Errorf("discover repos: %w", err)
	}

	active := []string{}
	for _, name := range names {
		state, err := d.client.FetchRepoState(ctx, name)
		if err != nil {
			continue
		}
		if state.Archived || state.Disabled {
			continue
		}
		active = append(active, name)
	}
	return active, nil
}

// CriticalRepos returns the discovered active repositories with the
// configured priority repos ordered first.
func (d *Discovery) CriticalRepos(ctx context.Context) ([]string, error) {
	discovered, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(discovered))
	ordered := make([]string, 0, len(discovered))

	for _, want := range d.priority {
		for _, repo := range discovered {
			if !seen[repo] && containsName(repo, want) {
				ordered = append(ordered, repo)
				seen[repo] = true
			}
		}
	}
	for _, repo := range discovered {
		if !seen[repo] {
			ordered = append(ordered, repo)
			seen[repo] = true
		}
	}
	return ordered, nil
}

func containsName(repo, want string) bool {
	return want != "" && strings.Contains(repo, want)
}
