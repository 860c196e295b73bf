// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator runs the detection cycle: detectors feed the
// risk accumulator, decay runs, thresholds resolve, and the response
// ladder executes with per-level hysteresis.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/reposentry/reposentry/internal/baseline"
	"github.com/reposentry/reposentry/internal/config"
	"github.com/reposentry/reposentry/internal/detector"
	"github.com/reposentry/reposentry/internal/github"
	"github.com/reposentry/reposentry/internal/observability"
	"github.com/reposentry/reposentry/internal/responder"
	"github.com/reposentry/reposentry/internal/scoring"
	"github.com/reposentry/reposentry/internal/storage"
	"github.com/reposentry/reposentry/pkg/logging"
)

// repoParallelism bounds concurrent per-repo detector fan-out within
// one cycle.
const repoParallelism = 8

// Deps are the collaborators the orchestrator coordinates. All are
// required except Backup, which only the delete path uses.
type Deps struct {
	Client    github.Client
	Baselines *baseline.Manager
	Audit     *storage.AuditLog
	States    *storage.StateStore
	Lock      *responder.Lock
	Delete    *responder.Delete
	Notifier  *responder.Notifier
}

// responseState records the last executed response per repository.
type responseState struct {
	level scoring.Level
	at    time.Time
}

// contribution is one scored finding waiting for the sequential
// accumulation phase.
type contribution struct {
	repo string
	risk float64
	tag  string
	note string
}

// Orchestrator owns the detection cycle and all shared mutable state:
// the accumulator, response-state map, and current baseline. A single
// instance owns them; there is no distributed locking.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *logging.Logger

	stateInv *detector.StateInvariant
	dualCred *detector.DualCredential
	canary   *detector.WriteCanary
	negAuth  *detector.NegativeAuth
	cross    *detector.CrossRepo
	gate     *detector.TemporalGate

	acc        *scoring.Accumulator
	decay      scoring.Decay
	thresholds *scoring.Thresholds

	// single-flight guard: overlapping cycle invocations coalesce
	// into the in-flight run instead of racing the accumulator.
	sf singleflight.Group

	mu        sync.Mutex
	baseline  *baseline.Baseline
	repos     []string
	responses map[string]responseState

	// lastRun tracks per-detector cadence. Only touched from within
	// the single-flighted cycle.
	lastRun map[string]time.Time
}

// New wires the orchestrator from configuration and collaborators.
func New(cfg *config.Config, deps Deps, logger *logging.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Client == nil || deps.Baselines == nil || deps.Audit == nil ||
		deps.States == nil || deps.Lock == nil || deps.Delete == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("all orchestrator collaborators are required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	stateInv, err := detector.NewStateInvariant(deps.Client, logger)
	if err != nil {
		return nil, err
	}
	dualCred, err := detector.NewDualCredential(deps.Client, logger)
	if err != nil {
		return nil, err
	}
	canary, err := detector.NewWriteCanary(deps.Client, logger)
	if err != nil {
		return nil, err
	}
	negAuth, err := detector.NewNegativeAuth(deps.Client, cfg.EventSeverity, logger)
	if err != nil {
		return nil, err
	}
	cross, err := detector.NewCrossRepo(stateInv, dualCred, canary,
		cfg.Detection.CrossRepo.SystemicThreshold,
		cfg.Detection.CrossRepo.PotentialThreshold, logger)
	if err != nil {
		return nil, err
	}
	gate, err := detector.NewTemporalGate(
		cfg.Detection.TemporalConsistency.RequiredFailures,
		cfg.Detection.TemporalConsistency.TimeWindow)
	if err != nil {
		return nil, err
	}
	thresholds, err := scoring.NewThresholds(
		float64(cfg.Response.Thresholds.Lock),
		float64(cfg.Response.Thresholds.Warn),
		float64(cfg.Response.Thresholds.Delete),
		float64(cfg.Response.Thresholds.Immediate))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		stateInv: stateInv,
		dualCred: dualCred,
		canary:   canary,
		negAuth:  negAuth,
		cross:    cross,
		gate:     gate,
		acc:      scoring.NewAccumulator(),
		decay: scoring.Decay{
			RatePerHour: float64(cfg.Scoring.Decay.RatePerHour),
			Floor:       float64(cfg.Scoring.Decay.Floor),
		},
		thresholds: thresholds,
		responses:  make(map[string]responseState),
		lastRun:    make(map[string]time.Time),
	}, nil
}

// Initialize restores persisted state and makes sure a baseline
// exists. Establishment failures are logged, never fatal: the next
// cycle retries, and every detector degrades to NoData until then.
func (o *Orchestrator) Initialize(ctx context.Context) {
	o.restoreState()

	b, err := o.deps.Baselines.Load()
	if err != nil {
		o.logger.Error("failed to load baseline", "error", err)
	}
	if b == nil {
		b = o.establishBaseline(ctx)
	}

	o.mu.Lock()
	o.baseline = b
	o.mu.Unlock()

	if b != nil {
		observability.BaselineRepos.Set(float64(len(b.Entries)))
		o.logger.Info("baseline loaded", "version", b.Version, "repos", len(b.Entries))
	}
	o.refreshRepos(ctx)
}

// establishBaseline discovers the critical set and establishes a new
// baseline over it. Returns nil on failure.
func (o *Orchestrator) establishBaseline(ctx context.Context) *baseline.Baseline {
	repos := o.discoverRepos(ctx)
	if len(repos) == 0 {
		o.logger.Warn("no repositories available for baseline establishment")
		return nil
	}
	b, err := o.deps.Baselines.Establish(ctx, repos)
	if err != nil {
		o.logger.Error("failed to establish baseline", "error", err)
		return nil
	}
	observability.BaselineRepos.Set(float64(len(b.Entries)))
	return b
}

// EstablishBaseline re-establishes the baseline wholesale, for the
// explicit operator entrypoint. With no repos given, the critical set
// is rediscovered.
func (o *Orchestrator) EstablishBaseline(ctx context.Context, repos []string) (*baseline.Baseline, error) {
	if len(repos) == 0 {
		repos = o.discoverRepos(ctx)
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("no repositories to baseline")
	}
	b, err := o.deps.Baselines.Establish(ctx, repos)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.baseline = b
	o.repos = repos
	o.mu.Unlock()
	observability.BaselineRepos.Set(float64(len(b.Entries)))
	return b, nil
}

// discoverRepos returns the critical set: auto-discovered when
// enabled, else the configured static list.
func (o *Orchestrator) discoverRepos(ctx context.Context) []string {
	if o.cfg.GitHub.AutoDiscover {
		d, err := github.NewDiscovery(o.deps.Client, o.cfg.GitHub.RepoPattern, o.cfg.GitHub.PriorityRepos)
		if err == nil {
			repos, err := d.CriticalRepos(ctx)
			if err == nil && len(repos) > 0 {
				return repos
			}
			if err != nil {
				o.logger.Warn("auto-discovery failed, using configured repos", "error", err)
			}
		}
	}
	return o.cfg.GitHub.CriticalRepos
}

// refreshRepos updates the cached critical set.
func (o *Orchestrator) refreshRepos(ctx context.Context) {
	repos := o.discoverRepos(ctx)
	o.mu.Lock()
	o.repos = repos
	o.mu.Unlock()
	if len(repos) > 0 {
		o.logger.Info("critical repository set", "count", len(repos))
	}
}

// CriticalRepos returns the current critical set.
func (o *Orchestrator) CriticalRepos() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.repos))
	copy(out, o.repos)
	return out
}

// Scores returns a snapshot of all current risk scores.
func (o *Orchestrator) Scores() map[string]float64 {
	return o.acc.AllScores()
}

// RunDetectionCycle executes one atomic detection cycle. Concurrent
// invocations coalesce: callers arriving while a cycle is in flight
// share its result instead of starting another.
func (o *Orchestrator) RunDetectionCycle(ctx context.Context) error {
	_, err, _ := o.sf.Do("cycle", func() (interface{}, error) {
		return nil, o.runCycle(ctx)
	})
	return err
}

func (o *Orchestrator) runCycle(ctx context.Context) (err error) {
	start := time.Now()
	o.logger.Info("detection cycle starting")
	defer func() {
		observability.CycleDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.CyclesTotal.WithLabelValues("error").Inc()
			o.logger.Error("detection cycle failed", "error", err)
			if auditErr := o.deps.Audit.Append(storage.AuditEntry{
				Action:  "detection_cycle_error",
				Details: map[string]string{"error": err.Error()},
			}); auditErr != nil {
				o.logger.Error("failed to audit cycle error", "error", auditErr)
			}
		} else {
			observability.CyclesTotal.WithLabelValues("ok").Inc()
			o.logger.Info("detection cycle completed", "duration", time.Since(start))
		}
	}()

	o.ensureBaseline(ctx)

	o.mu.Lock()
	repos := make([]string, len(o.repos))
	copy(repos, o.repos)
	o.mu.Unlock()
	if len(repos) == 0 {
		o.refreshRepos(ctx)
		o.mu.Lock()
		repos = make([]string, len(o.repos))
		copy(repos, o.repos)
		o.mu.Unlock()
	}

	now := time.Now().UTC()
	contributions := o.detect(ctx, repos, now)

	// Scoring, decay, and threshold evaluation are strictly sequential
	// relative to each other.
	for _, c := range contributions {
		o.acc.AddRisk(c.repo, c.risk, c.tag, c.note, now)
		if auditErr := o.deps.Audit.Append(storage.AuditEntry{
			Action:  "detection",
			Repo:    c.repo,
			Risk:    c.risk,
			Details: map[string]string{"tag": c.tag, "note": c.note},
		}); auditErr != nil {
			o.logger.Error("failed to audit detection", "repo", c.repo, "error", auditErr)
		}
	}

	o.decay.Apply(o.acc, now)

	for repo, score := range o.acc.AllScores() {
		observability.RiskScore.WithLabelValues(repo).Set(score)
	}

	o.checkAndRespond(ctx, now)
	o.saveState()
	return nil
}

// ensureBaseline retries establishment when no baseline exists yet.
func (o *Orchestrator) ensureBaseline(ctx context.Context) {
	o.mu.Lock()
	have := o.baseline != nil
	o.mu.Unlock()
	if have {
		return
	}
	if b := o.establishBaseline(ctx); b != nil {
		o.mu.Lock()
		o.baseline = b
		o.mu.Unlock()
	}
}

// entry returns the baseline entry for a repository, nil when absent.
func (o *Orchestrator) entry(repo string) *baseline.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseline.Entry(repo)
}

// detect runs every enabled detector and returns scored
// contributions. Per-repo detectors fan out in parallel and join
// before scoring.
func (o *Orchestrator) detect(ctx context.Context, repos []string, now time.Time) []contribution {
	var mu sync.Mutex
	var contributions []contribution
	add := func(repo string, res detector.Result) {
		observability.DetectorResults.WithLabelValues(res.Detector, string(res.Outcome)).Inc()
		if res.Outcome != detector.OutcomeRisky {
			return
		}
		mu.Lock()
		contributions = append(contributions, contribution{repo: repo, risk: res.Risk, tag: res.Tag, note: res.Note})
		mu.Unlock()
	}

	runStateInv := o.cfg.Detection.StateInvariant.Enabled &&
		o.due("state_invariant", o.cfg.Detection.StateInvariant.CheckInterval, now)
	runCanary := o.cfg.Detection.WriteCanary.Enabled &&
		o.due("write_canary", o.cfg.Detection.WriteCanary.Interval, now)
	runNegAuth := o.cfg.Detection.NegativeAuth.Enabled &&
		o.due("negative_auth", o.cfg.Detection.NegativeAuth.PollInterval, now)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(repoParallelism)
	for _, repo := range repos {
		g.Go(func() error {
			if runStateInv {
				// Confirmed state divergence scores immediately; only the
				// network-dependent probes go through the temporal gate.
				add(repo, o.stateInv.Check(gctx, repo, o.entry(repo)))
			}
			if o.cfg.Detection.DualCredential.Enabled {
				add(repo, o.gated(repo+"/dual_credential", o.dualCred.Check(gctx, repo), now))
			}
			if runCanary {
				add(repo, o.gated(repo+"/write_canary", o.canary.Check(gctx, repo), now))
			}
			return nil
		})
	}
	_ = g.Wait()

	if runNegAuth {
		res, events := o.negAuth.Check(ctx)
		observability.DetectorResults.WithLabelValues(res.Detector, string(res.Outcome)).Inc()
		for _, ev := range events {
			if ev.Repo == "" {
				continue
			}
			mu.Lock()
			contributions = append(contributions, contribution{
				repo: ev.Repo,
				risk: ev.Severity,
				tag:  ev.Tag,
				note: fmt.Sprintf("%s %s by %s", ev.Event.Type, ev.Event.Action, ev.Event.Actor),
			})
			mu.Unlock()
		}
	}

	if o.cfg.Detection.CrossRepo.Enabled && len(repos) > 0 {
		res := o.cross.Check(ctx, repos, o.entry)
		observability.DetectorResults.WithLabelValues(res.Detector, string(res.Outcome)).Inc()
		if res.Outcome == detector.OutcomeRisky {
			// Systemic failure taints the whole critical set.
			for _, repo := range repos {
				mu.Lock()
				contributions = append(contributions, contribution{repo: repo, risk: res.Risk, tag: res.Tag, note: res.Note})
				mu.Unlock()
			}
		}
	}

	return contributions
}

// due reports whether a detector's configured interval has elapsed
// since its last run, and records the run when it has. A zero or
// negative interval means every cycle.
func (o *Orchestrator) due(name string, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return true
	}
	if last, ok := o.lastRun[name]; ok && now.Sub(last) < interval {
		return false
	}
	o.lastRun[name] = now
	return true
}

// gated runs a probe result through the temporal consistency gate
// when the gate is enabled, and passes it straight through otherwise.
func (o *Orchestrator) gated(key string, res detector.Result, now time.Time) detector.Result {
	if !o.cfg.Detection.TemporalConsistency.Enabled {
		return res
	}
	return o.gate.Apply(key, res, now)
}

// checkAndRespond walks all scores through the threshold ladder and
// executes responses with per-level hysteresis.
func (o *Orchestrator) checkAndRespond(ctx context.Context, now time.Time) {
	for repo, score := range o.acc.AllScores() {
		level := o.thresholds.Check(score)
		if level == scoring.LevelNone {
			continue
		}

		o.mu.Lock()
		prev, responded := o.responses[repo]
		o.mu.Unlock()

		if responded && prev.level == level {
			grace := o.gracePeriod(level)
			if now.Sub(prev.at) < grace {
				// Same sustained incident, already acted on.
				continue
			}
		}

		o.respond(ctx, level, repo, score)

		o.mu.Lock()
		o.responses[repo] = responseState{level: level, at: now}
		o.mu.Unlock()
	}
}

func (o *Orchestrator) gracePeriod(level scoring.Level) time.Duration {
	gp := o.cfg.Response.GracePeriods
	switch level {
	case scoring.LevelLock:
		return gp.Lock
	case scoring.LevelWarn:
		return gp.Warn
	case scoring.LevelDelete:
		return gp.Delete
	case scoring.LevelImmediate:
		return gp.Immediate
	}
	return 0
}

// respond executes one breach. Every breach notifies unconditionally;
// warn assumes the prior lock already took effect.
func (o *Orchestrator) respond(ctx context.Context, level scoring.Level, repo string, risk float64) {
	o.logger.Warn("threshold breached", "repo", repo, "level", string(level), "risk", risk)
	observability.ResponsesTotal.WithLabelValues(string(level)).Inc()

	o.deps.Notifier.Notify(ctx, responder.Alert{
		Repo:    repo,
		Level:   level,
		Risk:    risk,
		Message: fmt.Sprintf("risk score %.1f breached the %s threshold", risk, level),
	})

	switch level {
	case scoring.LevelLock:
		o.deps.Lock.Lock(ctx, repo, risk)
	case scoring.LevelWarn:
		// Notification only.
	case scoring.LevelDelete, scoring.LevelImmediate:
		if err := o.deps.Delete.Execute(ctx, repo, risk); err != nil {
			o.logger.Error("delete response failed", "repo", repo, "error", err)
		}
	}
}

// saveState persists accumulator, gate, response and cursor state for
// restart survival. Best-effort.
func (o *Orchestrator) saveState() {
	o.mu.Lock()
	responses := make(map[string]storage.ResponseRecord, len(o.responses))
	for repo, r := range o.responses {
		responses[repo] = storage.ResponseRecord{Level: string(r.level), At: r.at}
	}
	o.mu.Unlock()

	err := o.deps.States.Save(storage.SavedState{
		Scores:      o.acc.Export(),
		Windows:     o.gate.Export(),
		Responses:   responses,
		AuditCursor: o.negAuth.Cursor(),
	})
	if err != nil {
		o.logger.Error("failed to save state", "error", err)
	}
}

// restoreState reloads persisted accumulator, gate, response and
// cursor state.
func (o *Orchestrator) restoreState() {
	state, err := o.deps.States.Load()
	if err != nil {
		o.logger.Error("failed to load persisted state", "error", err)
		return
	}
	if state == nil {
		return
	}
	o.acc.Restore(state.Scores)
	o.gate.Restore(state.Windows)
	if !state.AuditCursor.IsZero() {
		o.negAuth.SetCursor(state.AuditCursor)
	}

	o.mu.Lock()
	for repo, r := range state.Responses {
		o.responses[repo] = responseState{level: scoring.Level(r.Level), at: r.At}
	}
	o.mu.Unlock()

	o.logger.Info("persisted state restored",
		"repos", len(state.Scores), "saved_at", state.SavedAt)
}
