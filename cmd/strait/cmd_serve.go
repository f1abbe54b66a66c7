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
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/strait/cmd/strait/config"
	"github.com/AleutianAI/strait/pkg/logging"
	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway"
	"github.com/AleutianAI/strait/services/gateway/control"
)

// runServe starts the gateway and blocks until the listener fails.
func runServe(cmd *cobra.Command, args []string) error {
	config.Path = configPath
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Global

	// The --log-level flag wins over the file, including across
	// hot-reloads.
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Log.Dir,
		Service: "gateway",
		JSON:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := gatewayOptions(cfg)
	if devMode {
		opts.Dev = true
	}
	if listenAddr != "" {
		opts.ListenAddr = listenAddr
	}

	srv, err := gateway.New(ctx, opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	// Hot-reload the dynamic subset (log level, loop defaults) on
	// config file edits. Failure to watch only loses reload, never
	// the gateway.
	watcher, err := config.NewWatcher(config.FilePath(), cfg, func(d config.Dynamic) {
		if logLevel == "" {
			logger.SetLevel(logging.ParseLevel(d.LogLevel))
		}
		srv.Store().SetLoopDefaults(loopConfig(d.Loop))
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		go watcher.Start(ctx)
		defer watcher.Stop()
	}

	return srv.Run()
}

// gatewayOptions translates the YAML config into the gateway's Options.
func gatewayOptions(cfg config.StraitConfig) gateway.Options {
	specs := make([]gateway.BackendSpec, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		specs = append(specs, gateway.BackendSpec{
			Type:      b.Type,
			Prefix:    b.Prefix,
			BaseURL:   b.BaseURL,
			APIKeyEnv: b.APIKeyEnv,
			Default:   b.Default,
			RPS:       b.RPS,
			Burst:     b.Burst,
			Timeout:   time.Duration(b.TimeoutSeconds) * time.Second,
		})
	}
	return gateway.Options{
		ListenAddr:    cfg.Server.Listen,
		APIKeys:       cfg.Server.APIKeys,
		Backends:      specs,
		SessionTTL:    cfg.Session.SessionTTL(),
		SweepInterval: cfg.Session.SweepInterval(),
		Retry: backends.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second,
			MaxDelay:    time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second,
		},
		LoopDefaults: loopConfig(cfg.Loop),
	}
}

// loopConfig maps the YAML loop block onto the detector config. Values
// the file leaves at zero keep the detector defaults.
func loopConfig(l config.LoopConfig) control.Config {
	out := control.DefaultConfig()
	if mode, err := control.ParseMode(l.Mode); err == nil {
		out.Mode = mode
	}
	if l.MaxRepeats > 0 {
		out.MaxRepeats = l.MaxRepeats
	}
	if l.TTLMinutes > 0 {
		out.TTL = time.Duration(l.TTLMinutes) * time.Minute
	}
	return out
}
