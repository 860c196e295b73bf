// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for repository names and discovery
// patterns that end up in provider API paths. Using these validators
// prevents path traversal and request-splitting through crafted names.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// repoNamePattern matches a valid repository name segment.
// Allows: letters, digits, dots, hyphens, underscores.
// Max length: 100 characters (GitHub's limit).
var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,99}$`)

// ValidateRepoName validates a repository reference, either "name" or
// "owner/name".
//
// Valid segments:
//   - 1-100 characters
//   - Letters, digits, dots, hyphens, underscores
//   - At most one slash separating owner and name
//
// Returns an error if the reference is invalid.
//
// Example:
//
//	if err := validation.ValidateRepoName(repo); err != nil {
//	    return fmt.Errorf("invalid repository: %w", err)
//	}
//	// Safe to interpolate into an API path
func ValidateRepoName(repo string) error {
	if repo == "" {
		return fmt.Errorf("repository name cannot be empty")
	}

	segments := strings.Split(repo, "/")
	if len(segments) > 2 {
		return fmt.Errorf("invalid repository reference %q: expected name or owner/name", repo)
	}

	for _, seg := range segments {
		if !repoNamePattern.MatchString(seg) {
			return fmt.Errorf("invalid repository name segment %q (must be 1-100 alphanumeric chars, dots, hyphens, or underscores)", seg)
		}
	}

	return nil
}

// ValidateRepoNames validates multiple repository references.
// Returns an error listing all invalid names if any fail validation.
func ValidateRepoNames(repos []string) error {
	var invalid []string
	for _, r := range repos {
		if err := ValidateRepoName(r); err != nil {
			invalid = append(invalid, r)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid repository names: %v", invalid)
	}
	return nil
}

// ValidateRepoPattern checks that a discovery pattern is a compilable
// regular expression and does not contain path separators.
//
// Use this for user-configured auto-discovery patterns before handing
// them to the discovery loop:
//
//	if err := validation.ValidateRepoPattern(cfg.RepoPattern); err != nil {
//	    return err
//	}
func ValidateRepoPattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("repository pattern cannot be empty")
	}
	if strings.ContainsAny(pattern, "/\\") {
		return fmt.Errorf("repository pattern %q must not contain path separators", pattern)
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("repository pattern %q is not a valid regular expression: %w", pattern, err)
	}
	return nil
}
