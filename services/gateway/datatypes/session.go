// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// SessionView is the admin-facing snapshot of one proxy session, served
// by the /v1/sessions endpoints. It carries only copies; mutating a view
// never touches the live session.
type SessionView struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`

	Backend     string            `json:"backend,omitempty"`
	Model       string            `json:"model,omitempty"`
	Project     string            `json:"project,omitempty"`
	Pwd         string            `json:"pwd,omitempty"`
	Temperature *float32          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`

	OneOff *RouteView `json:"one_off,omitempty"`
	Loop   LoopView   `json:"loop"`
	Usage  UsageView  `json:"usage"`
}

// RouteView names a pending one-off route.
type RouteView struct {
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
}

// LoopView reports a session's loop-detection configuration and state.
type LoopView struct {
	Mode       string `json:"mode"`
	MaxRepeats int    `json:"max_repeats"`
	TTLSeconds int    `json:"ttl_seconds"`
	State      string `json:"state"`
	History    int    `json:"history"`
}

// UsageView accumulates token counts across a session's requests.
type UsageView struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Requests         int64 `json:"requests"`
}

// SessionListResponse is the payload for GET /v1/sessions.
type SessionListResponse struct {
	Sessions []SessionView `json:"sessions"`
	Count    int           `json:"count"`
}
