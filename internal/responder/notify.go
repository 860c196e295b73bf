// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package responder executes the response ladder: locking dependent
// services, backing up repository state, deleting repositories, and
// notifying operators.
//
// Responders are best-effort throughout: a partial failure is logged
// and audited, never propagated as an abort. A response that gives up
// halfway because one channel was down would defeat its purpose.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/reposentry/reposentry/internal/scoring"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// Alert is one operator notification.
type Alert struct {
	Repo    string        `json:"repo"`
	Level   scoring.Level `json:"level"`
	Risk    float64       `json:"risk"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// Channel delivers an alert over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Notifier fans an alert out to every configured channel in parallel.
// A failure on one channel never affects the others, and every alert
// is also written to the audit log.
type Notifier struct {
	channels []Channel
	audit    *storage.AuditLog
	logger   *logging.Logger
}

// NewNotifier creates the notifier. An empty channel list is valid:
// alerts then only reach the audit log.
func NewNotifier(channels []Channel, audit *storage.AuditLog, logger *logging.Logger) (*Notifier, error) {
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{channels: channels, audit: audit, logger: logger}, nil
}

// Notify delivers the alert to all channels and audits it.
func (n *Notifier) Notify(ctx context.Context, alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}

	if err := n.audit.Append(storage.AuditEntry{
		Action: "notify",
		Repo:   alert.Repo,
		Risk:   alert.Risk,
		Level:  storage.LevelForRisk(alert.Risk),
		Details: map[string]string{
			"level":   string(alert.Level),
			"message": alert.Message,
		},
	}); err != nil {
		n.logger.Error("failed to audit alert", "repo", alert.Repo, "error", err)
	}

	var wg sync.WaitGroup
	for _, ch := range n.channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Send(ctx, alert); err != nil {
				n.logger.Error("notification channel failed",
					"channel", ch.Name(), "repo", alert.Repo, "error", err)
			}
		}()
	}
	wg.Wait()
}

// SlackChannel posts alerts to a Slack incoming webhook.
type SlackChannel struct {
	WebhookURL string
	HTTPClient *http.Client
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	payload := map[string]string{
		"text": fmt.Sprintf(":rotating_light: [%s] %s risk=%.1f: %s",
			alert.Level, alert.Repo, alert.Risk, alert.Message),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogChannel writes alerts to the service log. It stands in for the
// email and SMS transports until those integrations are wired to a
// real provider.
type LogChannel struct {
	Transport string
	Target    string
	Logger    *logging.Logger
}

func (l *LogChannel) Name() string { return l.Transport }

func (l *LogChannel) Send(_ context.Context, alert Alert) error {
	l.Logger.Warn("alert",
		"transport", l.Transport,
		"target", l.Target,
		"repo", alert.Repo,
		"level", string(alert.Level),
		"risk", alert.Risk,
		"message", alert.Message)
	return nil
}
