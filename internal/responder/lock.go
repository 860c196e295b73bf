// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// TargetResult records one lock/unlock attempt against one service.
type TargetResult struct {
	URL string `json:"url"`
	OK  bool   `json:"ok"`
	Err string `json:"err,omitempty"`
}

// Lock flips dependent services into read-only mode. Best-effort per
// target: failures are logged and audited individually, and a partial
// lock is still better than none.
type Lock struct {
	serviceURLs []string
	httpClient  *http.Client
	audit       *storage.AuditLog
	logger      *logging.Logger
}

// NewLock creates the lock responder.
func NewLock(serviceURLs []string, audit *storage.AuditLog, logger *logging.Logger) (*Lock, error) {
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Lock{
		serviceURLs: serviceURLs,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		audit:       audit,
		logger:      logger,
	}, nil
}

// Lock asks every dependent service to go read-only for the given
// repository and returns the per-target outcomes.
func (l *Lock) Lock(ctx context.Context, repo string, risk float64) []TargetResult {
	results := l.post(ctx, "/lock", repo)

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if err := l.audit.Append(storage.AuditEntry{
		Action: "lock",
		Repo:   repo,
		Risk:   risk,
		Details: map[string]string{
			"targets": fmt.Sprintf("%d", len(results)),
			"failed":  fmt.Sprintf("%d", failed),
		},
	}); err != nil {
		l.logger.Error("failed to audit lock", "repo", repo, "error", err)
	}
	return results
}

// UnlockAll lifts the read-only mode on every dependent service, used
// by operators after an incident is resolved.
func (l *Lock) UnlockAll(ctx context.Context) []TargetResult {
	results := l.post(ctx, "/unlock", "")
	if err := l.audit.Append(storage.AuditEntry{
		Action:  "unlock_all",
		Details: map[string]string{"targets": fmt.Sprintf("%d", len(results))},
	}); err != nil {
		l.logger.Error("failed to audit unlock", "error", err)
	}
	return results
}

func (l *Lock) post(ctx context.Context, path, repo string) []TargetResult {
	results := make([]TargetResult, 0, len(l.serviceURLs))
	for _, base := range l.serviceURLs {
		url := base + path
		err := l.postOne(ctx, url, repo)
		res := TargetResult{URL: url, OK: err == nil}
		if err != nil {
			res.Err = err.Error()
			l.logger.Error("lock target failed", "url", url, "repo", repo, "error", err)
		}
		results = append(results, res)
	}
	return results
}

func (l *Lock) postOne(ctx context.Context, url, repo string) error {
	body, err := json.Marshal(map[string]string{"repo": repo, "mode": "read-only"})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("service returned %d", resp.StatusCode)
	}
	return nil
}
