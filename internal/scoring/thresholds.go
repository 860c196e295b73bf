// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package scoring

import (
	"fmt"
)

// Level is a response level. Levels are strictly ordered: immediate >
// delete > warn > lock > none.
type Level string

const (
	LevelNone      Level = "none"
	LevelLock      Level = "lock"
	LevelWarn      Level = "warn"
	LevelDelete    Level = "delete"
	LevelImmediate Level = "immediate"
)

// Thresholds resolves a risk score into a response level.
type Thresholds struct {
	Lock      float64
	Warn      float64
	Delete    float64
	Immediate float64
}

// NewThresholds validates the ordering invariant and returns the
// resolver. Misordered thresholds would make the response ladder skip
// levels.
func NewThresholds(lock, warn, del, immediate float64) (*Thresholds, error) {
	if !(immediate >= del && del >= warn && warn >= lock) {
		return nil, fmt.Errorf(
			"thresholds must satisfy immediate >= delete >= warn >= lock, got immediate=%v delete=%v warn=%v lock=%v",
			immediate, del, warn, lock)
	}
	return &Thresholds{Lock: lock, Warn: warn, Delete: del, Immediate: immediate}, nil
}

// Check selects the response level for a score: the first threshold
// the score meets or exceeds, checked from highest to lowest, wins.
// With delete and warn configured equal, a score at that value
// resolves to delete.
func (t *Thresholds) Check(score float64) Level {
	switch {
	case score >= t.Immediate:
		return LevelImmediate
	case score >= t.Delete:
		return LevelDelete
	case score >= t.Warn:
		return LevelWarn
	case score >= t.Lock:
		return LevelLock
	}
	return LevelNone
}
