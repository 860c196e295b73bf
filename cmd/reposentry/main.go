// Copyright (C) 2025 RepoSentry Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// RepoSentry watches an organization's critical repositories for loss
// of control and escalates through lock, warn, and delete responses.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "reposentry",
		Short: "Sovereignty enforcement for critical repositories",
		Long: `RepoSentry continuously verifies that an organization still controls
its critical repositories: state diffs against a trusted baseline,
dual-credential probes, write canaries, and audit-feed monitoring feed
a decaying risk score that escalates through lock, warn, and delete
responses.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to the config file (default ~/.reposentry/reposentry.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(scoresCmd)
	rootCmd.AddCommand(simulateCmd)
}
