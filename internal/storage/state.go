// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const stateKey = "state/risk"

// RepoScore is one repository's persisted accumulator state.
type RepoScore struct {
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FailureWindow is one repository's persisted temporal-consistency
// state: consecutive failure count and when the current window opened.
type FailureWindow struct {
	Failures    int       `json:"failures"`
	WindowStart time.Time `json:"window_start"`
}

// ResponseRecord is one repository's last executed response. Persisted
// so grace periods keep suppressing after a restart instead of
// re-running the response against a still-elevated score.
type ResponseRecord struct {
	Level string    `json:"level"`
	At    time.Time `json:"at"`
}

// SavedState is the full restart-survivable snapshot: risk scores,
// temporal failure windows and executed responses per repository,
// plus the audit feed cursor.
type SavedState struct {
	Scores      map[string]RepoScore      `json:"scores"`
	Windows     map[string]FailureWindow  `json:"windows"`
	Responses   map[string]ResponseRecord `json:"responses"`
	AuditCursor time.Time                 `json:"audit_cursor"`
	SavedAt     time.Time                 `json:"saved_at"`
}

// StateStore persists SavedState so that accumulated risk survives a
// process restart instead of resetting to a clean slate.
type StateStore struct {
	db *badger.DB
}

// NewStateStore creates a state store backed by the given database.
func NewStateStore(db *badger.DB) (*StateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	return &StateStore{db: db}, nil
}

// Save overwrites the persisted snapshot.
func (s *StateStore) Save(state SavedState) error {
	state.SavedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := set(s.db, []byte(stateKey), data); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Load returns the persisted snapshot, or (nil, nil) when no state
// has ever been saved. A fresh start is a normal condition.
func (s *StateStore) Load() (*SavedState, error) {
	data, err := get(s.db, []byte(stateKey))
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var state SavedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &state, nil
}
