// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package detector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/pkg/logging"
)

const negativeAuthName = "negative_auth"

// ScoredEvent is one classified audit-feed event attributed to a
// repository.
type ScoredEvent struct {
	Repo     string            `json:"repo"`
	Tag      string            `json:"tag"`
	Severity float64           `json:"severity"`
	Event    github.AuditEvent `json:"event"`
}

// SeverityTable maps event tags to scoring severities.
type SeverityTable func(tag string) int

// NegativeAuth polls the organization audit feed for authorization
// takeaways: removed admins, transferred repositories, permission
// downgrades. Global, not per-repository; the cursor advances
// monotonically so no event window is scored twice.
//
// Thread Safety: safe for concurrent use.
type NegativeAuth struct {
	client   github.Client
	severity SeverityTable
	logger   *logging.Logger

	mu     sync.Mutex
	cursor time.Time
}

// NewNegativeAuth creates the detector. The cursor starts at now so
// the first poll only sees events after startup.
func NewNegativeAuth(client github.Client, severity SeverityTable, logger *logging.Logger) (*NegativeAuth, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if severity == nil {
		return nil, fmt.Errorf("severity table cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &NegativeAuth{
		client:   client,
		severity: severity,
		logger:   logger,
		cursor:   time.Now().UTC(),
	}, nil
}

// Cursor returns the current feed position, for persistence.
func (d *NegativeAuth) Cursor() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursor
}

// SetCursor restores a persisted feed position. Moves only forward.
func (d *NegativeAuth) SetCursor(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.After(d.cursor) {
		d.cursor = t
	}
}

// Check polls the audit feed since the cursor and classifies events.
// Total risk is the sum of classified severities; the event list is
// returned so the caller can attribute risk per repository.
func (d *NegativeAuth) Check(ctx context.Context) (Result, []ScoredEvent) {
	d.mu.Lock()
	since := d.cursor
	d.mu.Unlock()

	events, err := d.client.FetchAuditFeed(ctx, since)
	if err != nil {
		d.logger.Warn("audit feed poll failed", "error", err)
		return NoData(negativeAuthName, fmt.Sprintf("audit feed poll failed: %v", err)), nil
	}

	var scored []ScoredEvent
	total := 0.0
	latest := since
	for _, ev := range events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		tag := classify(ev)
		if tag == "" {
			continue
		}
		sev := float64(d.severity(tag))
		if sev <= 0 {
			continue
		}
		scored = append(scored, ScoredEvent{Repo: ev.Repo, Tag: tag, Severity: sev, Event: ev})
		total += sev
	}

	d.mu.Lock()
	if latest.After(d.cursor) {
		d.cursor = latest
	}
	d.mu.Unlock()

	if total == 0 {
		return Clear(negativeAuthName), nil
	}
	return Risky(negativeAuthName, total, "", fmt.Sprintf("%d authorization takeaway events", len(scored))), scored
}

// classify maps a raw audit event to a scoring tag, or "" for event
// types this detector does not care about.
func classify(ev github.AuditEvent) string {
	switch ev.Type {
	case "MemberEvent":
		if ev.Action == "removed" {
			return TagAdminRemoved
		}
	case "RepositoryEvent":
		switch ev.Action {
		case "transferred":
			return TagRepoTransferred
		case "archived", "privatized":
			return TagPermissionDowngraded
		}
	}
	return ""
}
