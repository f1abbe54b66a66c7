// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package commands intercepts !/name(args) invocations embedded in chat
// messages. The executor scans a request's messages in order, runs each
// command against the caller's session, and rewrites the outgoing
// message list so command text never reaches an upstream provider.
//
// The command table is fixed at compile time: adding a command means
// adding a handler to builtins.go, not registering one at runtime.
package commands

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/strait/services/gateway/datatypes"
	"github.com/AleutianAI/strait/services/gateway/session"
)

// commandPattern matches one !/name(args) occurrence. Names start with
// a letter; args run to the first close paren (nesting is not part of
// the grammar).
var commandPattern = regexp.MustCompile(`!/([a-zA-Z][\w-]*)\(([^)]*)\)`)

// UnknownCommandError reports a command name with no table entry. It is
// surfaced to the caller as a proxy-originated notice, never forwarded
// upstream, and never aborts later commands in the same request.
type UnknownCommandError struct {
	Name string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Name)
}

// Handler applies one parsed command to a session and returns a
// user-visible confirmation line. A returned error becomes an error
// notice; the session keeps whatever the handler already applied.
type Handler func(sess *session.Session, args map[string]any) (string, error)

// Registry is the fixed name-to-handler table.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds the registry over the built-in command table.
func NewRegistry() *Registry {
	return &Registry{handlers: builtinTable()}
}

// Lookup resolves a command name. Matching is case-sensitive.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the known command names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execution records one command occurrence for observability. Status
// is "ok", "error", or "unknown".
type Execution struct {
	Name   string
	Status string
}

// Outcome reports what command scanning did to one request.
type Outcome struct {
	// Messages is the rewritten outgoing list: command-only messages
	// removed, embedded command text stripped.
	Messages []datatypes.Message

	// Handled is true when at least one command-only message was
	// consumed.
	Handled bool

	// Replies holds one line per executed command in encounter order,
	// error notices included. Serves as the proxy response body when
	// the request became command-only.
	Replies []string

	// Notices is the subset of Replies that must surface even when
	// the request still routes upstream (unknown or failed commands).
	Notices []string

	// Executed lists every occurrence in encounter order for metrics.
	Executed []Execution
}

// CommandOnly reports whether the request has nothing left worth
// sending upstream: a command-only message was consumed and no user
// message with non-blank content remains.
func (o Outcome) CommandOnly() bool {
	if !o.Handled {
		return false
	}
	for _, m := range o.Messages {
		if m.Role == "user" && strings.TrimSpace(m.Content.String()) != "" {
			return false
		}
	}
	return true
}

// Executor scans requests for commands and applies them to sessions.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an Executor over the given registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Process scans msgs in order, executes every command occurrence
// against sess, and returns the rewrite outcome. Commands run strictly
// in message-then-occurrence order so later commands override earlier
// ones within one request.
func (x *Executor) Process(sess *session.Session, msgs []datatypes.Message) Outcome {
	out := Outcome{Messages: make([]datatypes.Message, 0, len(msgs))}

	for _, msg := range msgs {
		content := msg.Content.String()
		matches := commandPattern.FindAllStringSubmatchIndex(content, -1)
		if len(matches) == 0 {
			out.Messages = append(out.Messages, msg)
			continue
		}

		for _, m := range matches {
			name := content[m[2]:m[3]]
			raw := content[m[4]:m[5]]
			x.run(sess, name, raw, &out)
		}

		stripped := commandPattern.ReplaceAllString(content, "")
		if strings.TrimSpace(stripped) == "" {
			// Nothing but commands; the message never goes upstream.
			out.Handled = true
			continue
		}
		kept := msg
		kept.Content = datatypes.MessageContent(stripped)
		out.Messages = append(out.Messages, kept)
	}
	return out
}

// run executes a single occurrence and records its reply line.
func (x *Executor) run(sess *session.Session, name, raw string, out *Outcome) {
	handler, ok := x.registry.Lookup(name)
	if !ok {
		err := &UnknownCommandError{Name: name}
		slog.Warn("unknown chat command",
			"command", name,
			"session", sess.Key(),
		)
		out.Replies = append(out.Replies, err.Error())
		out.Notices = append(out.Notices, err.Error())
		out.Executed = append(out.Executed, Execution{Name: name, Status: "unknown"})
		return
	}

	reply, err := handler(sess, ParseArgs(raw))
	if err != nil {
		line := fmt.Sprintf("%s: %v", name, err)
		slog.Warn("chat command failed",
			"command", name,
			"session", sess.Key(),
			"error", err,
		)
		out.Replies = append(out.Replies, line)
		out.Notices = append(out.Notices, line)
		out.Executed = append(out.Executed, Execution{Name: name, Status: "error"})
		return
	}

	slog.Debug("chat command executed",
		"command", name,
		"session", sess.Key(),
	)
	out.Replies = append(out.Replies, reply)
	out.Executed = append(out.Executed, Execution{Name: name, Status: "ok"})
}
