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
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// Global is a singleton instance populated by Load.
	Global StraitConfig

	// Path overrides the default config location. The --config flag
	// sets it before Load runs.
	Path string

	once       sync.Once
	loadedPath string
)

// DefaultPath returns ~/.strait/strait.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".strait", "strait.yaml"), nil
}

// Load ensures the config is loaded into the Global variable. The file
// is created with defaults on first run.
func Load() error {
	var err error
	once.Do(func() {
		err = loadInternal()
	})
	return err
}

// FilePath returns the path Load read from. Empty before Load.
func FilePath() string {
	return loadedPath
}

func loadInternal() error {
	path := Path
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return err
		}
	}
	// create it if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("First run detected, creating the config at %s\n", path)
		if err := createDefault(path); err != nil {
			return err
		}
	}
	cfg, err := LoadFile(path)
	if err != nil {
		return err
	}
	Global = cfg
	loadedPath = path
	return nil
}

// Init creates the config file with defaults when it does not exist.
// Returns the resolved path and whether a new file was written.
func Init(path string) (string, bool, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return "", false, err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	} else if !os.IsNotExist(err) {
		return path, false, err
	}
	if err := createDefault(path); err != nil {
		return path, false, err
	}
	return path, true, nil
}

// LoadFile reads and parses one config file without touching Global.
// The hot-reload watcher re-reads through this.
func LoadFile(path string) (StraitConfig, error) {
	var cfg StraitConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file: %w", err)
	}
	cfg.Server.APIKeys = expandKeys(cfg.Server.APIKeys)
	if err = cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// expandKeys resolves ${ENV_VAR} references in inbound auth keys and
// drops entries that resolve to nothing, so an unset variable never
// becomes an accepted empty bearer token.
func expandKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if expanded := os.ExpandEnv(k); expanded != "" {
			out = append(out, expanded)
		}
	}
	return out
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
