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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFinal_ClineEnvelopeByteExact(t *testing.T) {
	got := FormatFinal("line1\nline2", AgentCline)

	want := "<attempt_completion>\n" +
		"<result>\n" +
		"<thinking>\n" +
		"line1\nline2\n" +
		"</thinking>\n" +
		"</result>\n" +
		"</attempt_completion>"
	assert.Equal(t, want, got)
}

func TestFormatFinal_RooCodeSameEnvelope(t *testing.T) {
	assert.Equal(t, FormatFinal("x", AgentCline), FormatFinal("x", AgentRooCode))
}

func TestFormatFinal_AiderUnchanged(t *testing.T) {
	assert.Equal(t, "line1", FormatFinal("line1", AgentAider))
}

func TestFormatFinal_NoneUnchanged(t *testing.T) {
	assert.Equal(t, "plain answer", FormatFinal("plain answer", AgentNone))
}

func TestFormatFinal_EmptyContentStillWrapped(t *testing.T) {
	got := FormatFinal("", AgentCline)
	assert.Equal(t, "<attempt_completion>\n<result>\n<thinking>\n\n</thinking>\n</result>\n</attempt_completion>", got)
}

func TestFormatProxyMessage_AiderPatch(t *testing.T) {
	got := FormatProxyMessage(AgentAider, "a\nb")

	want := "*** Begin Patch\n" +
		"*** Add File: PROXY_OUTPUT.txt\n" +
		"+a\n" +
		"+b\n" +
		"*** End Patch"
	assert.Equal(t, want, got)
}

func TestFormatProxyMessage_AiderSingleLine(t *testing.T) {
	got := FormatProxyMessage(AgentAider, "done")
	assert.Equal(t, "*** Begin Patch\n*** Add File: PROXY_OUTPUT.txt\n+done\n*** End Patch", got)
}

func TestFormatProxyMessage_EmptyUnchanged(t *testing.T) {
	for _, agent := range []Agent{AgentCline, AgentRooCode, AgentAider, AgentNone} {
		assert.Equal(t, "", FormatProxyMessage(agent, ""), "agent=%s", agent)
	}
}

func TestFormatProxyMessage_ClineRooCodeStayUnwrapped(t *testing.T) {
	// Proxy notices for cline/roocode are plain text even though
	// FormatFinal wraps their completions.
	assert.Equal(t, "notice", FormatProxyMessage(AgentCline, "notice"))
	assert.Equal(t, "notice", FormatProxyMessage(AgentRooCode, "notice"))
	assert.Equal(t, "notice", FormatProxyMessage(AgentNone, "notice"))
}

func TestStreamEnvelope_MatchesFormatFinal(t *testing.T) {
	content := "streamed\nanswer"
	for _, agent := range []Agent{AgentCline, AgentRooCode, AgentAider, AgentNone} {
		open, closing := StreamEnvelope(agent)
		assert.Equal(t, FormatFinal(content, agent), open+content+closing, "agent=%s", agent)
	}
}

func TestStreamEnvelope_EmptyForUnwrappedAgents(t *testing.T) {
	for _, agent := range []Agent{AgentAider, AgentNone} {
		open, closing := StreamEnvelope(agent)
		assert.Empty(t, open, "agent=%s", agent)
		assert.Empty(t, closing, "agent=%s", agent)
	}
}
