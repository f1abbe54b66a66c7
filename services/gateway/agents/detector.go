// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents classifies which coding agent issued a request and
// shapes response text into the wire format that agent expects.
//
// Detection is a pure text classifier over the request's original
// prompt, so it runs before command stripping; the fingerprints agents
// embed in their system prompts are exactly what commands never touch.
package agents

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
)

// Agent identifies a calling coding agent. The set is closed; anything
// unrecognized is AgentNone.
type Agent string

const (
	AgentCline   Agent = "cline"
	AgentRooCode Agent = "roocode"
	AgentAider   Agent = "aider"
	AgentNone    Agent = "none"
)

// detectionRules maps prompt fingerprints to agents.
// Order matters - first match wins.
var detectionRules = []struct {
	pattern *regexp.Regexp
	agent   Agent
}{
	{regexp.MustCompile(`(?i)cline|xml-style|tool use`), AgentCline},
	{regexp.MustCompile(`(?i)roocode`), AgentRooCode},
	{regexp.MustCompile(`(?is)you are.*\broo\b`), AgentRooCode},
	{regexp.MustCompile(`(?i)v4a diff|\*\*\* begin patch|aider`), AgentAider},
}

// Detect classifies the calling agent from prompt text. Matching is
// case-insensitive; the first rule that matches wins.
func Detect(text string) Agent {
	for _, rule := range detectionRules {
		if rule.pattern.MatchString(text) {
			return rule.agent
		}
	}
	return AgentNone
}

// DetectFromMessages classifies the agent from a request's coalesced
// text: every message's content joined by newlines, in order. Callers
// must pass the original messages, before command stripping.
func DetectFromMessages(msgs []datatypes.Message) Agent {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content.String())
	}
	return Detect(strings.Join(parts, "\n"))
}
