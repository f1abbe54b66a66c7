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
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/strait/cmd/strait/config"
)

// runConfigInit writes the default config when none exists yet.
func runConfigInit(cmd *cobra.Command, args []string) error {
	path, created, err := config.Init(configPath)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created default config at %s\n", path)
		fmt.Println("Edit it to add backends, then run: strait serve")
	} else {
		fmt.Printf("Config already exists at %s\n", path)
	}
	return nil
}

// runConfigShow prints the loaded config back as YAML. Inbound auth
// keys are redacted; they may have been expanded from the environment.
func runConfigShow(cmd *cobra.Command, args []string) error {
	config.Path = configPath
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Global
	redacted := make([]string, len(cfg.Server.APIKeys))
	for i := range redacted {
		redacted[i] = "<redacted>"
	}
	cfg.Server.APIKeys = redacted

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", config.FilePath(), data)
	return nil
}
