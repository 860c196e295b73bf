// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package baseline

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/reposentry/reposentry/pkg/validation"
)

// Validator checks the structural integrity of a baseline before it
// is persisted or trusted after load.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a baseline validator.
func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate returns an error describing the first structural problem
// found, or nil for a well-formed baseline.
func (v *Validator) Validate(b *Baseline) error {
	if b == nil {
		return fmt.Errorf("baseline is nil")
	}
	if err := v.validate.Struct(b); err != nil {
		return fmt.Errorf("structure: %w", err)
	}
	for repo, entry := range b.Entries {
		if err := validation.ValidateRepoName(repo); err != nil {
			return fmt.Errorf("entry %q: %w", repo, err)
		}
		if entry.Repo != repo {
			return fmt.Errorf("entry %q: key does not match entry repo %q", repo, entry.Repo)
		}
		if err := v.validate.Struct(entry); err != nil {
			return fmt.Errorf("entry %q: %w", repo, err)
		}
		if err := v.validate.Struct(entry.Fingerprint); err != nil {
			return fmt.Errorf("entry %q fingerprint: %w", repo, err)
		}
		// The stored hash must match the stored state; a mismatch means
		// the record was tampered with or corrupted.
		if got := HashState(entry.State); got != entry.StateHash {
			return fmt.Errorf("entry %q: state hash mismatch", repo)
		}
	}
	return nil
}
