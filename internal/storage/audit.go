// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/reposentry/reposentry/pkg/logging"
)

const auditPrefix = "audit/"

// AuditLevel classifies an audit entry for operators scanning the log.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "info"
	AuditWarn     AuditLevel = "warn"
	AuditCritical AuditLevel = "critical"
)

// AuditEntry is one immutable record of a detection finding or a
// response action. Entries are never updated or deleted.
type AuditEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     AuditLevel        `json:"level"`
	Action    string            `json:"action"`
	Repo      string            `json:"repo,omitempty"`
	Risk      float64           `json:"risk,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// AuditLog is the append-only record of everything RepoSentry detected
// and did. Every destructive action is written here before it runs.
type AuditLog struct {
	db     *badger.DB
	logger *logging.Logger
}

// NewAuditLog creates an audit log backed by the given database.
func NewAuditLog(db *badger.DB, logger *logging.Logger) (*AuditLog, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AuditLog{db: db, logger: logger}, nil
}

// LevelForRisk derives the audit level from a risk score: 10 and
// above is critical, 6 and above warns, everything else informs.
func LevelForRisk(risk float64) AuditLevel {
	switch {
	case risk >= 10:
		return AuditCritical
	case risk >= 6:
		return AuditWarn
	default:
		return AuditInfo
	}
}

// Append writes one entry. The ID and timestamp are assigned here if
// unset; the level defaults from the risk score.
func (a *AuditLog) Append(entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Level == "" {
		entry.Level = LevelForRisk(entry.Risk)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	key := []byte(auditPrefix + timestampKey(entry.Timestamp) + "/" + entry.ID)
	if err := set(a.db, key, data); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}

	a.logger.Info("audit",
		"action", entry.Action,
		"repo", entry.Repo,
		"risk", entry.Risk,
		"level", string(entry.Level))
	return nil
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var entries []AuditEntry
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek key past the prefix range.
		seek := append([]byte(auditPrefix), 0xFF)
		for it.Seek(seek); it.Valid() && len(entries) < limit; it.Next() {
			var entry AuditEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Since returns all entries at or after the given time, oldest first.
func (a *AuditLog) Since(t time.Time) ([]AuditEntry, error) {
	start := []byte(auditPrefix + timestampKey(t.UTC()))

	var entries []AuditEntry
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			var entry AuditEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
