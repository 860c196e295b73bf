// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/reposentry/reposentry/pkg/logging"
)

// Scheduler drives detection cycles on a fixed interval. Cycles that
// outlast the interval are safe: the orchestrator's single-flight
// guard coalesces the overlapping tick.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	logger   *logging.Logger
}

// NewScheduler creates the scheduler.
func NewScheduler(orch *Orchestrator, interval time.Duration, logger *logging.Logger) (*Scheduler, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{orch: orch, interval: interval, logger: logger}, nil
}

// Run blocks, executing one cycle immediately and then one per
// interval, until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "interval", s.interval)

	if err := s.orch.RunDetectionCycle(ctx); err != nil {
		s.logger.Error("initial detection cycle failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.orch.RunDetectionCycle(ctx); err != nil {
				s.logger.Error("detection cycle failed", "error", err)
			}
		}
	}
}
