// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server is the thin HTTP control surface over the
// orchestrator: health, manual trigger, score and audit inspection,
// explicit baseline re-establishment, and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/reposentry/reposentry/internal/observability"
	"github.com/reposentry/reposentry/internal/orchestrator"
	"github.com/reposentry/reposentry/internal/responder"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
	"github.com/reposentry/reposentry/pkg/validation"
)

// Server hosts the control API.
type Server struct {
	orch   *orchestrator.Orchestrator
	audit  *storage.AuditLog
	lock   *responder.Lock
	backup *responder.Backup
	logger *logging.Logger
	http   *http.Server
}

// New creates the server on the given port.
func New(port int, orch *orchestrator.Orchestrator, audit *storage.AuditLog, lock *responder.Lock, backup *responder.Backup, logger *logging.Logger) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if audit == nil {
		return nil, fmt.Errorf("audit log cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{orch: orch, audit: audit, lock: lock, backup: backup, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(observability.ServiceName))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/trigger", s.handleTrigger)
		v1.GET("/risk-scores", s.handleRiskScores)
		v1.GET("/audit/recent", s.handleAuditRecent)
		v1.POST("/baseline/establish", s.handleEstablish)
		v1.POST("/unlock", s.handleUnlock)
		v1.GET("/backups", s.handleBackups)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": observability.ServiceName,
	})
}

// handleTrigger runs one detection cycle synchronously. Long-running
// by design; callers treat it accordingly. Overlapping triggers
// coalesce into the in-flight cycle.
func (s *Server) handleTrigger(c *gin.Context) {
	if err := s.orch.RunDetectionCycle(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "completed",
		"scores": s.orch.Scores(),
	})
}

func (s *Server) handleRiskScores(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"scores": s.orch.Scores(),
		"repos":  s.orch.CriticalRepos(),
	})
}

func (s *Server) handleAuditRecent(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 || limit > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 1000"})
			return
		}
	}
	entries, err := s.audit.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type establishRequest struct {
	Repos []string `json:"repos"`
}

// handleEstablish re-establishes the baseline wholesale. With no
// repos in the body, the critical set is rediscovered.
func (s *Server) handleEstablish(c *gin.Context) {
	// An empty body is fine; malformed JSON is not.
	var req establishRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := validation.ValidateRepoNames(req.Repos); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := s.orch.EstablishBaseline(c.Request.Context(), req.Repos)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": b.Version,
		"repos":   len(b.Entries),
	})
}

// handleUnlock lifts read-only mode on all dependent services, the
// manual recovery path after an incident is resolved.
func (s *Server) handleUnlock(c *gin.Context) {
	if s.lock == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock responder not configured"})
		return
	}
	results := s.lock.UnlockAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"targets": results})
}

func (s *Server) handleBackups(c *gin.Context) {
	if s.backup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backup responder not configured"})
		return
	}
	infos, err := s.backup.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": infos})
}
