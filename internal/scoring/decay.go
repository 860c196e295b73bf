// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"time"
)

// eventRetention is how long events stay in memory after a score hits
// the floor. The durable audit log retains them forever.
const eventRetention = 24 * time.Hour

// Decay reduces scores proportionally to elapsed wall-clock time.
//
// Decay is lazy: computed from elapsed time at each pass rather than
// by a background timer, so infrequent cycles still decay correctly.
type Decay struct {
	// RatePerHour is subtracted per whole elapsed hour.
	RatePerHour float64
	// Floor is the minimum a score can decay to.
	Floor float64
}

// Apply runs one decay pass over every tracked repository.
//
// # Description
//
// For each repository, whole hours elapsed since its last update are
// multiplied by the rate and subtracted, clamped at the floor. The
// last-update timestamp advances by exactly the consumed whole hours
// so fractional remainders carry into the next pass. When a score
// rests at the floor, events older than the retention window are
// pruned to bound memory.
func (d Decay) Apply(a *Accumulator, now time.Time) {
	if d.RatePerHour <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, r := range a.repos {
		hours := int(now.Sub(r.lastUpdate) / time.Hour)
		if hours <= 0 {
			continue
		}
		r.score -= float64(hours) * d.RatePerHour
		if r.score < d.Floor {
			r.score = d.Floor
		}
		r.lastUpdate = r.lastUpdate.Add(time.Duration(hours) * time.Hour)

		if r.score <= d.Floor {
			r.events = pruneEvents(r.events, now.Add(-eventRetention))
		}
	}
}

// pruneEvents drops events older than the cutoff.
func pruneEvents(events []SecurityEvent, cutoff time.Time) []SecurityEvent {
	kept := events[:0]
	for _, ev := range events {
		if ev.At.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}
