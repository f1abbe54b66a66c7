// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"time"
)

// Durations are plain integers with the unit in the field name so the
// YAML stays editable without knowing Go duration syntax.

type StraitConfig struct {
	// Server: listen address and inbound auth
	Server ServerConfig `yaml:"server"`

	// Backends: the upstream providers requests route to
	Backends []BackendConfig `yaml:"backends"`

	// Session: lifetime of per-client override state
	Session SessionConfig `yaml:"session"`

	// Retry: how rate-limited upstream calls are retried
	Retry RetryConfig `yaml:"retry"`

	// Loop: defaults for the tool-call loop detector
	Loop LoopConfig `yaml:"loop_detection"`

	// Log: level and optional file destination
	Log LogConfig `yaml:"log"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"` // e.g. 127.0.0.1:8787

	// APIKeys are accepted inbound bearer tokens. Empty list disables
	// auth. Values support ${ENV_VAR} expansion at load time.
	APIKeys []string `yaml:"api_keys"`
}

type BackendConfig struct {
	// Type can be "openai", "gemini", "anthropic", or "dummy".
	Type   string `yaml:"type"`
	Prefix string `yaml:"prefix"` // e.g. "openrouter" routes "openrouter:gpt-4o"

	// BaseURL overrides the provider default. The openai type reaches
	// OpenRouter, vLLM, or Ollama through this.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the upstream
	// key. The key itself never lives in this file.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Default routes models with no prefix to this backend.
	Default bool `yaml:"default,omitempty"`

	// RPS and Burst enable a client-side rate limiter when RPS > 0.
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

type SessionConfig struct {
	TTLMinutes   int `yaml:"ttl_minutes"`
	SweepSeconds int `yaml:"sweep_seconds"`
}

type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
}

type LoopConfig struct {
	// Mode can be "warn" or "block".
	Mode       string `yaml:"mode"`
	MaxRepeats int    `yaml:"max_repeats"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

type LogConfig struct {
	// Level can be "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Dir enables file logging when set. Supports ~ expansion.
	Dir string `yaml:"dir,omitempty"`
}

// SessionTTL converts the configured minutes to a duration.
func (c SessionConfig) SessionTTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// SweepInterval converts the configured seconds to a duration.
func (c SessionConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}

// Validate rejects configs the gateway cannot start with. It checks the
// parts that would otherwise fail in confusing places: duplicate
// prefixes surface as registry errors, unknown loop modes silently fall
// back to warn.
func (c StraitConfig) Validate() error {
	seen := make(map[string]bool, len(c.Backends))
	defaults := 0
	for i, b := range c.Backends {
		if b.Prefix == "" {
			return fmt.Errorf("backends[%d]: prefix is required", i)
		}
		if seen[b.Prefix] {
			return fmt.Errorf("backends[%d]: duplicate prefix %q", i, b.Prefix)
		}
		seen[b.Prefix] = true
		switch b.Type {
		case "openai", "gemini", "anthropic", "dummy":
		default:
			return fmt.Errorf("backends[%d]: unknown type %q (want openai, gemini, anthropic, or dummy)", i, b.Type)
		}
		if b.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("at most one backend may set default: true, found %d", defaults)
	}
	switch c.Loop.Mode {
	case "", "warn", "block":
	default:
		return fmt.Errorf("loop_detection.mode %q is not one of warn, block", c.Loop.Mode)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	return nil
}

func DefaultConfig() StraitConfig {
	return StraitConfig{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8787",
			APIKeys: []string{},
		},
		Backends: []BackendConfig{
			{
				Type:      "openai",
				Prefix:    "openrouter",
				BaseURL:   "https://openrouter.ai/api/v1",
				APIKeyEnv: "OPENROUTER_API_KEY",
				Default:   true,
			},
		},
		Session: SessionConfig{
			TTLMinutes:   240,
			SweepSeconds: 60,
		},
		Retry: RetryConfig{
			MaxAttempts:      4,
			BaseDelaySeconds: 2,
			MaxDelaySeconds:  60,
		},
		Loop: LoopConfig{
			Mode:       "warn",
			MaxRepeats: 3,
			TTLMinutes: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
