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

	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// Delete removes a repository from the provider, the last rung of the
// response ladder.
type Delete struct {
	client      github.Client
	backup      *Backup
	backupFirst bool
	stopURLs    []string
	httpClient  *http.Client
	audit       *storage.AuditLog
	logger      *logging.Logger
}

// NewDelete creates the delete responder. When backupFirst is set, a
// snapshot is taken before deletion; a failed snapshot is logged but
// does not block the delete.
func NewDelete(client github.Client, backup *Backup, backupFirst bool, stopURLs []string, audit *storage.AuditLog, logger *logging.Logger) (*Delete, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if backupFirst && backup == nil {
		return nil, fmt.Errorf("backup responder required when backup-before-delete is on")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Delete{
		client:      client,
		backup:      backup,
		backupFirst: backupFirst,
		stopURLs:    stopURLs,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		audit:       audit,
		logger:      logger,
	}, nil
}

// Execute deletes the repository.
//
// # Description
//
// The audit entry is written before the destructive call so the
// record survives even if the process dies mid-delete. Afterward the
// associated compute is asked to stop, best-effort: a repository that
// is gone should not leave its services running.
func (d *Delete) Execute(ctx context.Context, repo string, risk float64) error {
	backupPath := ""
	if d.backupFirst {
		path, err := d.backup.Take(ctx, repo)
		if err != nil {
			d.logger.Error("pre-delete backup failed, proceeding", "repo", repo, "error", err)
		} else {
			backupPath = path
		}
	}

	if err := d.audit.Append(storage.AuditEntry{
		Action: "delete",
		Repo:   repo,
		Risk:   risk,
		Level:  storage.AuditCritical,
		Details: map[string]string{
			"backup": backupPath,
		},
	}); err != nil {
		return fmt.Errorf("refusing to delete %s without audit record: %w", repo, err)
	}

	if err := d.client.DeleteRepository(ctx, repo); err != nil {
		d.logger.Error("repository delete failed", "repo", repo, "error", err)
		return fmt.Errorf("delete %s: %w", repo, err)
	}
	d.logger.Error("repository deleted", "repo", repo, "risk", risk)

	d.stopCompute(ctx, repo)
	return nil
}

// stopCompute asks each configured service endpoint to stop the
// repository's containers. Errors are logged, never returned.
func (d *Delete) stopCompute(ctx context.Context, repo string) {
	for _, base := range d.stopURLs {
		url := base + "/stop"
		body, err := json.Marshal(map[string]string{"repo": repo})
		if err != nil {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			d.logger.Warn("container stop request invalid", "url", url, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.httpClient.Do(req)
		if err != nil {
			d.logger.Warn("container stop failed", "url", url, "repo", repo, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			d.logger.Warn("container stop rejected", "url", url, "repo", repo, "status", resp.StatusCode)
		}
	}
}
