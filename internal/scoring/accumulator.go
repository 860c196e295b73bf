// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package scoring accumulates per-repository risk, decays it over
// time, and resolves scores into response levels.
package scoring

import (
	"sync"
	"time"

	"github.com/reposentry/reposentry/internal/storage"
)

// SecurityEvent is one scored contribution to a repository's risk.
type SecurityEvent struct {
	Tag    string    `json:"tag"`
	Amount float64   `json:"amount"`
	At     time.Time `json:"at"`
	Note   string    `json:"note,omitempty"`
}

type repoRisk struct {
	score      float64
	lastUpdate time.Time
	events     []SecurityEvent
}

// Accumulator tracks the current risk score per repository.
// Accumulation is purely additive; decay is a separate explicit pass,
// never applied on read.
//
// Thread Safety: safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	repos map[string]*repoRisk
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{repos: make(map[string]*repoRisk)}
}

// AddRisk adds amount to the repository's score and records the
// event. A zero or negative amount is a no-op.
func (a *Accumulator) AddRisk(repo string, amount float64, tag, note string, now time.Time) {
	if amount <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.repos[repo]
	if r == nil {
		r = &repoRisk{}
		a.repos[repo] = r
	}
	r.score += amount
	r.lastUpdate = now
	r.events = append(r.events, SecurityEvent{Tag: tag, Amount: amount, At: now, Note: note})
}

// Score returns the repository's current score, 0 when untracked.
func (a *Accumulator) Score(repo string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r := a.repos[repo]; r != nil {
		return r.score
	}
	return 0
}

// AllScores returns a snapshot of every tracked repository's score.
func (a *Accumulator) AllScores() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.repos))
	for repo, r := range a.repos {
		out[repo] = r.score
	}
	return out
}

// Events returns a copy of the repository's retained event list.
func (a *Accumulator) Events(repo string) []SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.repos[repo]
	if r == nil {
		return nil
	}
	out := make([]SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Export snapshots scores for persistence.
func (a *Accumulator) Export() map[string]storage.RepoScore {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]storage.RepoScore, len(a.repos))
	for repo, r := range a.repos {
		out[repo] = storage.RepoScore{Score: r.score, UpdatedAt: r.lastUpdate}
	}
	return out
}

// Restore loads persisted scores, replacing current state. Event
// lists are not restored; the durable audit log keeps that history.
func (a *Accumulator) Restore(scores map[string]storage.RepoScore) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.repos = make(map[string]*repoRisk, len(scores))
	for repo, s := range scores {
		a.repos[repo] = &repoRisk{score: s.Score, lastUpdate: s.UpdatedAt}
	}
}
