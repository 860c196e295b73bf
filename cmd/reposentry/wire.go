// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/internal/config"
	"github.com/reposentry/reposentry/internal/gcs"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/orchestrator"
	"github.com/reposentry/reposentry/internal/responder"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// app bundles every component a command needs, built once from the
// loaded configuration. Close releases the database and the optional
// GCS mirror.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	db     *badger.DB
	audit  *storage.AuditLog
	states *storage.StateStore
	lock   *responder.Lock
	backup *responder.Backup
	orch   *orchestrator.Orchestrator

	mirror *gcs.Client
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Server.LogLevel),
		LogDir:  cfg.Server.LogDir,
		Service: "reposentry",
	})

	if !cfg.HasCredentials() {
		return nil, fmt.Errorf("provider credentials are required: set REPOSENTRY_GITHUB_TOKEN_A and REPOSENTRY_GITHUB_TOKEN_B")
	}
	client, err := github.NewRESTClient(github.RESTConfig{
		Org:    cfg.GitHub.Org,
		TokenA: cfg.GitHub.TokenA,
		TokenB: cfg.GitHub.TokenB,
	})
	if err != nil {
		return nil, fmt.Errorf("building provider client: %w", err)
	}

	dataDir, err := expandPath(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	dbCfg := storage.DefaultConfig(filepath.Join(dataDir, "db"))
	dbCfg.Logger = logger.Slog()
	db, err := storage.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: db}

	if a.audit, err = storage.NewAuditLog(db, logger); err != nil {
		return nil, a.closeWith(err)
	}
	if a.states, err = storage.NewStateStore(db); err != nil {
		return nil, a.closeWith(err)
	}

	var key []byte
	if cfg.Storage.BaselineKey != "" {
		key = []byte(cfg.Storage.BaselineKey)
	}
	store, err := baseline.NewStore(db, key)
	if err != nil {
		return nil, a.closeWith(err)
	}
	baselines, err := baseline.NewManager(client, store, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}

	if cfg.Storage.GCSBucket != "" {
		a.mirror, err = gcs.NewClient(context.Background(),
			cfg.Storage.GCSProject, cfg.Storage.GCSBucket, cfg.Storage.GCSCredsFile)
		if err != nil {
			return nil, a.closeWith(fmt.Errorf("building GCS mirror: %w", err))
		}
	}

	a.backup, err = responder.NewBackup(client, filepath.Join(dataDir, "backups"), a.mirror, a.audit, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}
	a.lock, err = responder.NewLock(cfg.Response.LockServiceURLs, a.audit, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}
	deleter, err := responder.NewDelete(client, a.backup, cfg.Response.BackupBeforeDelete,
		cfg.Response.LockServiceURLs, a.audit, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}

	notifier, err := responder.NewNotifier(buildChannels(cfg, logger), a.audit, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}

	a.orch, err = orchestrator.New(cfg, orchestrator.Deps{
		Client:    client,
		Baselines: baselines,
		Audit:     a.audit,
		States:    a.states,
		Lock:      a.lock,
		Delete:    deleter,
		Notifier:  notifier,
	}, logger)
	if err != nil {
		return nil, a.closeWith(err)
	}

	return a, nil
}

// buildChannels assembles alert channels from the notification config.
// Email and SMS currently log through LogChannel until a provider
// integration lands.
func buildChannels(cfg *config.Config, logger *logging.Logger) []responder.Channel {
	var channels []responder.Channel
	if cfg.Notifications.SlackWebhook != "" {
		channels = append(channels, &responder.SlackChannel{
			WebhookURL: cfg.Notifications.SlackWebhook,
		})
	}
	if cfg.Notifications.Email != "" {
		channels = append(channels, &responder.LogChannel{
			Transport: "email",
			Target:    cfg.Notifications.Email,
			Logger:    logger,
		})
	}
	if cfg.Notifications.SMSAPIKey != "" {
		channels = append(channels, &responder.LogChannel{
			Transport: "sms",
			Target:    "configured",
			Logger:    logger,
		})
	}
	return channels
}

func (a *app) Close() {
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Warn("closing GCS mirror", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
	}
}

func (a *app) closeWith(err error) error {
	a.Close()
	return err
}

func expandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
