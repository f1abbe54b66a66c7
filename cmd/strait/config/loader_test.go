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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// TestCreateDefault verifies default config creation.
func TestCreateDefault(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".strait", "strait.yaml")

	err := createDefault(configPath)
	if err != nil {
		t.Fatalf("createDefault() failed: %v", err)
	}

	// Verify the file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	// Read and verify the config round-trips
	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config file: %v", err)
	}

	var cfg StraitConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:8787" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "127.0.0.1:8787")
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].Prefix != "openrouter" {
		t.Errorf("unexpected backends: %+v", cfg.Backends)
	}
}

// TestCreateDefault_DirectoryCreation verifies directory is created.
func TestCreateDefault_DirectoryCreation(t *testing.T) {
	tempDir := t.TempDir()

	// Use a nested path
	configPath := filepath.Join(tempDir, "deep", "nested", "path", "strait.yaml")

	err := createDefault(configPath)
	if err != nil {
		t.Fatalf("createDefault() failed with nested path: %v", err)
	}

	dirPath := filepath.Dir(configPath)
	if _, err := os.Stat(dirPath); os.IsNotExist(err) {
		t.Fatal("nested directories were not created")
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
server:
  listen: "0.0.0.0:9000"
  api_keys: []
backends:
  - type: openai
    prefix: fast
    base_url: http://localhost:8000/v1
  - type: gemini
    prefix: gemini
    api_key_env: GEMINI_API_KEY
    default: true
    rps: 2.5
    burst: 5
session:
  ttl_minutes: 30
  sweep_seconds: 15
retry:
  max_attempts: 2
  base_delay_seconds: 1
  max_delay_seconds: 10
loop_detection:
  mode: block
  max_repeats: 4
  ttl_minutes: 2
log:
  level: debug
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("len(Backends) = %d, want 2", len(cfg.Backends))
	}
	if cfg.Backends[1].RPS != 2.5 || cfg.Backends[1].Burst != 5 {
		t.Errorf("rate limit fields = %v/%d", cfg.Backends[1].RPS, cfg.Backends[1].Burst)
	}
	if !cfg.Backends[1].Default {
		t.Error("Backends[1].Default = false, want true")
	}
	if cfg.Loop.Mode != "block" || cfg.Loop.MaxRepeats != 4 {
		t.Errorf("loop config = %+v", cfg.Loop)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

// TestLoadFile_ExpandsAuthKeys verifies ${ENV} references resolve and
// unset variables never become accepted empty tokens.
func TestLoadFile_ExpandsAuthKeys(t *testing.T) {
	t.Setenv("STRAIT_TEST_AUTH_KEY", "sk-local-abc")

	configPath := writeConfig(t, `
server:
  listen: "127.0.0.1:8787"
  api_keys:
    - ${STRAIT_TEST_AUTH_KEY}
    - ${STRAIT_TEST_AUTH_KEY_UNSET}
backends:
  - type: dummy
    prefix: dummy
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}

	if len(cfg.Server.APIKeys) != 1 {
		t.Fatalf("len(APIKeys) = %d, want 1 (unset var must be dropped)", len(cfg.Server.APIKeys))
	}
	if cfg.Server.APIKeys[0] != "sk-local-abc" {
		t.Errorf("APIKeys[0] = %q, want sk-local-abc", cfg.Server.APIKeys[0])
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("LoadFile() on missing file = nil, want error")
	}
}

func TestLoadFile_BadYAML(t *testing.T) {
	configPath := writeConfig(t, "server: [not: a: mapping")

	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("LoadFile() on bad yaml = nil, want error")
	}
}

// TestLoadFile_InvalidConfig verifies validation runs on load so a bad
// file fails at startup, not when the first request routes.
func TestLoadFile_InvalidConfig(t *testing.T) {
	configPath := writeConfig(t, `
backends:
  - type: openai
    prefix: same
  - type: gemini
    prefix: same
`)

	_, err := LoadFile(configPath)
	if err == nil {
		t.Fatal("LoadFile() = nil, want validation error")
	}
	if !strings.Contains(err.Error(), "duplicate prefix") {
		t.Errorf("error = %q, want it to mention the duplicate prefix", err)
	}
}

// writeConfig drops yaml content into a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strait.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}
