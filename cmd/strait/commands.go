// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string // CLI override for the config file location
	logLevel   string // CLI override for log.level
	listenAddr string // CLI override for server.listen
	devMode    bool   // register the dummy backend alongside configured ones

	rootCmd = &cobra.Command{
		Use:   "strait",
		Short: "A command gateway between coding agents and LLM providers",
		Long: `Strait sits between coding agents and OpenAI-compatible providers.
				It intercepts !/command(...) directives embedded in chat messages,
				keeps per-session routing overrides, fans requests out to backends
				by prefix:model convention, retries rate limits, and flags agents
				stuck repeating the same tool call.`,
	}

	// --- Gateway ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	// --- Config ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the strait configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the default config file if missing",
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow, // Defined in cmd_config.go
	}

	// --- Version ---
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion, // Defined in cmd_version.go
	}
)

// init runs when the Go program starts
func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the config file (default ~/.strait/strait.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"Override the configured listen address (host:port)")
	serveCmd.Flags().BoolVar(&devMode, "dev", false,
		"Register the in-process dummy backend for offline development")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(versionCmd)
}
