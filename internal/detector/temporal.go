// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"fmt"
	"sync"
	"time"

	"github.com/reposentry/reposentry/internal/storage"
)

// TemporalGate suppresses detector risk until it has persisted long
// enough to be a sustained signal rather than flakiness.
//
// # Description
//
// Stateful per repository. A clear check resets the consecutive
// failure counter and restarts the window clock; a single success
// interrupts the streak entirely. A risky check increments the
// counter but never advances the window start. Risk passes through
// unmodified only once both conditions hold: counter at or above the
// required failure count AND elapsed time since the window opened at
// or above the required window. NoData results pass through untouched
// and do not touch gate state; absence of evidence is neither a
// failure nor a success.
//
// Thread Safety: safe for concurrent use.
type TemporalGate struct {
	requiredFailures int
	window           time.Duration

	mu    sync.Mutex
	state map[string]storage.FailureWindow
}

// NewTemporalGate creates the gate.
func NewTemporalGate(requiredFailures int, window time.Duration) (*TemporalGate, error) {
	if requiredFailures < 1 {
		return nil, fmt.Errorf("required failures must be at least 1, got %d", requiredFailures)
	}
	if window < 0 {
		return nil, fmt.Errorf("window cannot be negative")
	}
	return &TemporalGate{
		requiredFailures: requiredFailures,
		window:           window,
		state:            make(map[string]storage.FailureWindow),
	}, nil
}

// Apply runs a detector result through the gate and returns the
// result to score: either the original, or a suppressed clear-like
// result carrying a note.
func (g *TemporalGate) Apply(repo string, res Result, now time.Time) Result {
	if res.Outcome == OutcomeNoData {
		return res
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.state[repo]
	if res.Outcome == OutcomeClear || res.Risk == 0 {
		delete(g.state, repo)
		return res
	}

	if w.Failures == 0 {
		w.WindowStart = now
	}
	w.Failures++
	g.state[repo] = w

	if w.Failures >= g.requiredFailures && now.Sub(w.WindowStart) >= g.window {
		return res
	}

	suppressed := Clear(res.Detector)
	suppressed.Note = fmt.Sprintf("suppressed by temporal gate (%d/%d failures over %s)",
		w.Failures, g.requiredFailures, now.Sub(w.WindowStart).Truncate(time.Second))
	return suppressed
}

// Export snapshots gate state for persistence.
func (g *TemporalGate) Export() map[string]storage.FailureWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]storage.FailureWindow, len(g.state))
	for repo, w := range g.state {
		out[repo] = w
	}
	return out
}

// Restore loads persisted gate state, replacing the current state.
func (g *TemporalGate) Restore(state map[string]storage.FailureWindow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = make(map[string]storage.FailureWindow, len(state))
	for repo, w := range state {
		g.state[repo] = w
	}
}
