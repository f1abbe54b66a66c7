// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import "strings"

const (
	completionOpen  = "<attempt_completion>\n<result>\n<thinking>\n"
	completionClose = "\n</thinking>\n</result>\n</attempt_completion>"

	patchOpen  = "*** Begin Patch\n*** Add File: PROXY_OUTPUT.txt\n"
	patchClose = "\n*** End Patch"
)

// FormatFinal wraps the assembled final answer for agents that parse a
// completion envelope. cline and roocode require the exact
// attempt_completion/result/thinking nesting, byte for byte; every
// other agent gets the content unchanged.
//
// Streaming callers apply this at the final chunk boundary only, never
// per chunk.
func FormatFinal(content string, agent Agent) string {
	switch agent {
	case AgentCline, AgentRooCode:
		return completionOpen + content + completionClose
	default:
		return content
	}
}

// StreamEnvelope returns the text to emit before the first streamed
// content chunk and after the last one. Relaying chunks verbatim
// between the two yields exactly FormatFinal of the assembled content,
// so streaming clients see the same bytes as non-streaming ones without
// buffering the whole answer.
func StreamEnvelope(agent Agent) (open, close string) {
	switch agent {
	case AgentCline, AgentRooCode:
		return completionOpen, completionClose
	default:
		return "", ""
	}
}

// FormatProxyMessage shapes proxy-originated text (command
// confirmations, loop notices) for the calling agent. Empty text passes
// through untouched regardless of agent. aider consumes a V4A patch
// adding PROXY_OUTPUT.txt with every line '+'-prefixed. cline and
// roocode notices stay unwrapped; that asymmetry with FormatFinal is
// intended.
func FormatProxyMessage(agent Agent, text string) string {
	if text == "" {
		return text
	}
	if agent != AgentAider {
		return text
	}

	var b strings.Builder
	b.Grow(len(patchOpen) + len(text) + len(patchClose) + strings.Count(text, "\n") + 1)
	b.WriteString(patchOpen)
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteByte('+')
		b.WriteString(line)
	}
	b.WriteString(patchClose)
	return b.String()
}
