// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/reposentry/reposentry/internal/gcs"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// Artifact is the durable snapshot taken before destructive action.
type Artifact struct {
	Repo        string             `json:"repo"`
	TakenAt     time.Time          `json:"taken_at"`
	State       github.RepoState   `json:"state"`
	Fingerprint github.Fingerprint `json:"fingerprint"`
	Submodules  []github.Submodule `json:"submodules,omitempty"`
	Workflows   []github.Workflow  `json:"workflows,omitempty"`
}

// BackupInfo describes one stored artifact.
type BackupInfo struct {
	Repo    string    `json:"repo"`
	Path    string    `json:"path"`
	TakenAt time.Time `json:"taken_at"`
	Size    int64     `json:"size"`
}

// Backup snapshots repository state to a local artifact, optionally
// mirrored to Cloud Storage.
type Backup struct {
	client github.Client
	dir    string
	mirror *gcs.Client
	audit  *storage.AuditLog
	logger *logging.Logger
}

// NewBackup creates the backup responder. mirror may be nil.
func NewBackup(client github.Client, dir string, mirror *gcs.Client, audit *storage.AuditLog, logger *logging.Logger) (*Backup, error) {
	if client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if dir == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Backup{client: client, dir: dir, mirror: mirror, audit: audit, logger: logger}, nil
}

// Take snapshots one repository and returns the artifact path.
func (b *Backup) Take(ctx context.Context, repo string) (string, error) {
	state, err := b.client.FetchRepoState(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("backup %s: fetch state: %w", repo, err)
	}
	fp, err := b.client.FetchFingerprint(ctx, repo)
	if err != nil {
		return "", fmt.Errorf("backup %s: fetch fingerprint: %w", repo, err)
	}
	subs, err := b.client.FetchSubmodules(ctx, repo)
	if err != nil {
		b.logger.Warn("backup proceeding without submodules", "repo", repo, "error", err)
	}
	workflows, err := b.client.FetchWorkflows(ctx, repo)
	if err != nil {
		b.logger.Warn("backup proceeding without workflows", "repo", repo, "error", err)
	}

	artifact := Artifact{
		Repo:        repo,
		TakenAt:     time.Now().UTC(),
		State:       *state,
		Fingerprint: *fp,
		Submodules:  subs,
		Workflows:   workflows,
	}

	if err := os.MkdirAll(b.dir, 0750); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", sanitizeRepo(repo), artifact.TakenAt.Format("20060102T150405Z"))
	path := filepath.Join(b.dir, name)

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal backup artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write backup artifact: %w", err)
	}

	if b.mirror != nil {
		if err := b.mirror.UploadFile(ctx, path, "backups/"+name); err != nil {
			// The local artifact exists; a failed mirror is not fatal.
			b.logger.Error("backup mirror upload failed", "repo", repo, "error", err)
		}
	}

	if err := b.audit.Append(storage.AuditEntry{
		Action:  "backup",
		Repo:    repo,
		Details: map[string]string{"path": path},
	}); err != nil {
		b.logger.Error("failed to audit backup", "repo", repo, "error", err)
	}

	return path, nil
}

// List returns stored artifacts, newest first.
func (b *Backup) List() ([]BackupInfo, error) {
	entries, err := os.ReadDir(b.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var infos []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(b.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("unreadable backup artifact", "path", path, "error", err)
			continue
		}
		var artifact Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			b.logger.Warn("corrupt backup artifact", "path", path, "error", err)
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, BackupInfo{
			Repo:    artifact.Repo,
			Path:    path,
			TakenAt: artifact.TakenAt,
			Size:    info.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TakenAt.After(infos[j].TakenAt) })
	return infos, nil
}

// sanitizeRepo flattens owner/name into a filesystem-safe token.
func sanitizeRepo(repo string) string {
	return strings.ReplaceAll(repo, "/", "__")
}
