// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts detection cycles by outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reposentry_detection_cycles_total",
		Help: "Detection cycles run, labeled by outcome.",
	}, []string{"outcome"})

	// CycleDuration observes wall-clock time per detection cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reposentry_detection_cycle_duration_seconds",
		Help:    "Duration of one detection cycle.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// DetectorResults counts detector runs by detector and outcome.
	DetectorResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reposentry_detector_results_total",
		Help: "Detector results, labeled by detector and outcome.",
	}, []string{"detector", "outcome"})

	// RiskScore exports the current accumulated risk per repository.
	RiskScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reposentry_risk_score",
		Help: "Current accumulated risk score per repository.",
	}, []string{"repo"})

	// ResponsesTotal counts executed responses by level.
	ResponsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reposentry_responses_total",
		Help: "Response actions executed, labeled by level.",
	}, []string{"level"})

	// BaselineRepos exports how many repositories the current baseline
	// covers. Zero means not yet established.
	BaselineRepos = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reposentry_baseline_repositories",
		Help: "Repositories covered by the current baseline.",
	})
)
