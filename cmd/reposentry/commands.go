// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reposentry/reposentry/internal/config"
	"github.com/reposentry/reposentry/internal/observability"
	"github.com/reposentry/reposentry/internal/orchestrator"
	"github.com/reposentry/reposentry/internal/scoring"
	"github.com/reposentry/reposentry/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring daemon and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracer, err := observability.InitTracer(ctx, a.cfg.Server.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer shutdownTracer(context.Background())

		a.orch.Initialize(ctx)

		sched, err := orchestrator.NewScheduler(a.orch, a.cfg.Server.CycleInterval, a.logger)
		if err != nil {
			return err
		}
		srv, err := server.New(a.cfg.Server.Port, a.orch, a.audit, a.lock, a.backup, a.logger)
		if err != nil {
			return err
		}

		a.logger.Info("reposentry starting",
			"port", a.cfg.Server.Port,
			"cycle_interval", a.cfg.Server.CycleInterval,
			"repos", len(a.orch.CriticalRepos()))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			sched.Run(ctx)
			return nil
		})
		g.Go(func() error {
			return srv.Run(ctx)
		})
		return g.Wait()
	},
}

var baselineCmd = &cobra.Command{
	Use:   "baseline [repos...]",
	Short: "Capture a trusted baseline for the critical repositories",
	Long: `Fetches the current state of each critical repository and stores it
as the trusted baseline future detection cycles diff against. With no
arguments the configured (or auto-discovered) critical set is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.orch.EstablishBaseline(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("establishing baseline: %w", err)
		}

		fmt.Printf("Baseline v%d established for %d repositories:\n", b.Version, len(b.Entries))
		repos := make([]string, 0, len(b.Entries))
		for repo := range b.Entries {
			repos = append(repos, repo)
		}
		sort.Strings(repos)
		for _, repo := range repos {
			fmt.Printf("  %s  %s\n", b.Entries[repo].StateHash[:12], repo)
		}
		return nil
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single detection cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		a.orch.Initialize(cmd.Context())
		if err := a.orch.RunDetectionCycle(cmd.Context()); err != nil {
			return fmt.Errorf("detection cycle: %w", err)
		}
		printScores(a.orch.Scores())
		return nil
	},
}

var (
	scoresAddr string

	scoresCmd = &cobra.Command{
		Use:   "scores",
		Short: "Show current risk scores from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
				scoresAddr+"/v1/risk-scores", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("querying daemon at %s: %w", scoresAddr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon returned %d", resp.StatusCode)
			}

			var body struct {
				Scores map[string]float64 `json:"scores"`
				Repos  []string           `json:"repos"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			printScores(body.Scores)
			return nil
		},
	}
)

var (
	simulateRepo   string
	simulateEvents []string

	simulateCmd = &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run the scoring pipeline against injected events",
		Long: `Feeds synthetic detection events through a local copy of the risk
accumulator and response thresholds, then prints the level each event
sequence would trigger. Nothing is executed against the provider and
no state is persisted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if len(simulateEvents) == 0 {
				return fmt.Errorf("at least one --event is required (e.g. --event admin_removed)")
			}

			t := cfg.Response.Thresholds
			thresholds, err := scoring.NewThresholds(
				float64(t.Lock), float64(t.Warn), float64(t.Delete), float64(t.Immediate))
			if err != nil {
				return err
			}

			acc := scoring.NewAccumulator()
			now := time.Now()
			for _, tag := range simulateEvents {
				sev := cfg.EventSeverity(tag)
				if sev == 0 {
					return fmt.Errorf("unknown event type %q", tag)
				}
				acc.AddRisk(simulateRepo, float64(sev), tag, "simulated", now)
				score := acc.Score(simulateRepo)
				fmt.Printf("  + %-28s severity=%-2d score=%5.1f level=%s\n",
					tag, sev, score, thresholds.Check(score))
			}

			final := acc.Score(simulateRepo)
			fmt.Printf("\nFinal score for %s: %.1f (%s)\n",
				simulateRepo, final, thresholds.Check(final))
			decay := scoring.Decay{
				RatePerHour: float64(cfg.Scoring.Decay.RatePerHour),
				Floor:       float64(cfg.Scoring.Decay.Floor),
			}
			if decay.RatePerHour > 0 && thresholds.Check(final) != scoring.LevelNone {
				hrs := 0
				for score := final; thresholds.Check(score) != scoring.LevelNone; score -= decay.RatePerHour {
					hrs++
				}
				fmt.Printf("Decays below the lock threshold after %d hour(s) without new events.\n", hrs)
			}
			return nil
		},
	}
)

func printScores(scores map[string]float64) {
	if len(scores) == 0 {
		fmt.Println("No risk recorded.")
		return
	}
	repos := make([]string, 0, len(scores))
	for repo := range scores {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	for _, repo := range repos {
		fmt.Printf("  %6.1f  %s\n", scores[repo], repo)
	}
}

func init() {
	scoresCmd.Flags().StringVar(&scoresAddr, "addr", "http://localhost:5010",
		"base URL of the running daemon")

	simulateCmd.Flags().StringVar(&simulateRepo, "repo", "org/example",
		"repository name to attribute the simulated events to")
	simulateCmd.Flags().StringSliceVar(&simulateEvents, "event", nil,
		"event type to inject (repeatable)")
}
