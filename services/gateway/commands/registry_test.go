// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/session"
)

func newTestSession() *session.Session {
	return session.New("test-key", control.DefaultConfig(), time.Unix(1700000000, 0))
}

func userMsg(content string) datatypes.Message {
	return datatypes.Message{Role: "user", Content: datatypes.MessageContent(content)}
}

func newTestExecutor() *Executor {
	return NewExecutor(NewRegistry())
}

func TestRegistry_FixedTable(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, []string{
		"hello", "model", "oneoff", "set",
		"tool-loop-max-repeats", "tool-loop-mode", "tool-loop-ttl", "unset",
	}, r.Names())

	_, ok := r.Lookup("set")
	assert.True(t, ok)

	// Matching is case-sensitive.
	_, ok = r.Lookup("Set")
	assert.False(t, ok)
}

func TestExecutor_CommandOnlyMessageRemoved(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{userMsg("!/set(model=foo)")})

	assert.True(t, out.Handled)
	assert.Empty(t, out.Messages)
	assert.Equal(t, "foo", sess.Model())
	require.Len(t, out.Replies, 1)
	assert.Contains(t, out.Replies[0], "model=foo")
}

func TestExecutor_PlainMessageUntouched(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	msgs := []datatypes.Message{userMsg("Hello")}
	out := x.Process(sess, msgs)

	assert.False(t, out.Handled)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "Hello", out.Messages[0].Content.String())
	assert.Empty(t, out.Replies)
}

func TestExecutor_EmbeddedCommandStripped(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("please refactor this !/set(backend=gemini) function"),
	})

	assert.False(t, out.Handled, "embedded command must not set the handled flag")
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "please refactor this  function", out.Messages[0].Content.String())
	assert.Equal(t, "gemini", sess.Backend())
}

func TestExecutor_WhitespacePaddedCommandOnly(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{userMsg("  !/hello()  \n")})

	assert.True(t, out.Handled)
	assert.Empty(t, out.Messages)
}

func TestExecutor_MultipleCommandsOneMessage(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("!/set(model=first) !/set(model=second)"),
	})

	assert.True(t, out.Handled)
	assert.Empty(t, out.Messages)
	assert.Equal(t, "second", sess.Model(), "later commands override earlier ones")
	assert.Len(t, out.Replies, 2)
}

func TestExecutor_MessageOrderThenOccurrenceOrder(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("!/set(project=alpha)"),
		userMsg("!/set(project=beta)"),
	})

	require.Len(t, out.Replies, 2)
	assert.Contains(t, out.Replies[0], "alpha")
	assert.Contains(t, out.Replies[1], "beta")

	view := sess.View()
	assert.Equal(t, "beta", view.Project)
}

func TestExecutor_UnknownCommandContinues(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("!/xyzzy(1) !/set(model=still-runs)"),
	})

	assert.Equal(t, "still-runs", sess.Model(), "commands after an unknown one must still run")
	require.Len(t, out.Replies, 2)
	assert.Contains(t, out.Replies[0], `unknown command "xyzzy"`)
	require.Len(t, out.Notices, 1)
	assert.Contains(t, out.Notices[0], "xyzzy")
}

func TestExecutor_FailedCommandBecomesNotice(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("!/tool-loop-max-repeats(zero)"),
	})

	require.Len(t, out.Notices, 1)
	assert.Contains(t, out.Notices[0], "tool-loop-max-repeats")
}

func TestExecutor_NonUserRolesScanned(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		{Role: "system", Content: "!/set(project=sys)"},
		userMsg("hi"),
	})

	view := sess.View()
	assert.Equal(t, "sys", view.Project)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "hi", out.Messages[0].Content.String())
}

func TestOutcome_CommandOnly(t *testing.T) {
	x := newTestExecutor()

	t.Run("single command message", func(t *testing.T) {
		out := x.Process(newTestSession(), []datatypes.Message{userMsg("!/hello()")})
		assert.True(t, out.CommandOnly())
	})

	t.Run("system prompt remains but no user content", func(t *testing.T) {
		out := x.Process(newTestSession(), []datatypes.Message{
			{Role: "system", Content: "You are helpful."},
			userMsg("!/hello()"),
		})
		assert.True(t, out.CommandOnly())
	})

	t.Run("user text remains", func(t *testing.T) {
		out := x.Process(newTestSession(), []datatypes.Message{
			userMsg("!/set(model=x) and also do something"),
		})
		assert.False(t, out.CommandOnly())
	})

	t.Run("no commands at all", func(t *testing.T) {
		out := x.Process(newTestSession(), []datatypes.Message{userMsg("hi")})
		assert.False(t, out.CommandOnly())
	})
}

func TestExecutor_ArgsWithNestedParensStopAtFirstClose(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	// The grammar has no nesting: args end at the first ')'.
	out := x.Process(sess, []datatypes.Message{userMsg("!/set(pwd=/a(b)c")})

	view := sess.View()
	assert.Equal(t, "/a(b", view.Pwd)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "c", out.Messages[0].Content.String())
}

func TestExecutor_ExecutedRecordsStatuses(t *testing.T) {
	x := newTestExecutor()
	sess := newTestSession()

	out := x.Process(sess, []datatypes.Message{
		userMsg("!/set(model=m) !/xyzzy() !/tool-loop-max-repeats(zero)"),
	})

	require.Len(t, out.Executed, 3)
	assert.Equal(t, Execution{Name: "set", Status: "ok"}, out.Executed[0])
	assert.Equal(t, Execution{Name: "xyzzy", Status: "unknown"}, out.Executed[1])
	assert.Equal(t, Execution{Name: "tool-loop-max-repeats", Status: "error"}, out.Executed[2])
}
