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
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/strait/services/backends"
	"github.com/AleutianAI/strait/services/gateway/control"
	"github.com/AleutianAI/strait/services/gateway/session"
)

// builtinTable is the fixed command set. Adding a command is a code
// change here, not a runtime registration.
func builtinTable() map[string]Handler {
	return map[string]Handler{
		"hello":                 cmdHello,
		"set":                   cmdSet,
		"unset":                 cmdUnset,
		"model":                 cmdModel,
		"oneoff":                cmdOneOff,
		"tool-loop-mode":        cmdLoopMode,
		"tool-loop-max-repeats": cmdLoopMaxRepeats,
		"tool-loop-ttl":         cmdLoopTTL,
	}
}

// cmdHello confirms the proxy is in the path and names the session.
func cmdHello(sess *session.Session, _ map[string]any) (string, error) {
	return fmt.Sprintf("hello! session %q is active", sess.Key()), nil
}

// cmdSet writes override fields. Known keys get typed treatment; any
// other scalar lands in the session's extra-params map. Valid keys are
// applied even when another key in the same call is rejected.
func cmdSet(sess *session.Session, args map[string]any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("set: no keys given")
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	applied := make([]string, 0, len(keys))
	var errs []string
	for _, key := range keys {
		value := args[key]
		switch key {
		case "backend":
			sess.SetBackend(scalarString(value))
		case "model":
			sess.SetModel(scalarString(value))
		case "project":
			sess.SetProject(scalarString(value))
		case "pwd":
			sess.SetPwd(scalarString(value))
		case "temperature":
			f, ok := scalarFloat(value)
			if !ok {
				errs = append(errs, fmt.Sprintf("temperature %v is not a number", value))
				continue
			}
			sess.SetTemperature(float32(f))
		case "max-tokens", "max_tokens":
			n, ok := scalarInt(value)
			if !ok || n <= 0 {
				errs = append(errs, fmt.Sprintf("max-tokens %v is not a positive integer", value))
				continue
			}
			sess.SetMaxTokens(n)
		default:
			sess.SetExtra(key, scalarString(value))
		}
		applied = append(applied, fmt.Sprintf("%s=%s", key, scalarString(value)))
	}

	if len(errs) > 0 {
		return "", fmt.Errorf("set: %s", strings.Join(errs, "; "))
	}
	return "set " + strings.Join(applied, ", "), nil
}

// cmdUnset clears the named overrides; args arrive as bare tokens,
// e.g. !/unset(model, backend).
func cmdUnset(sess *session.Session, args map[string]any) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("unset: no keys given")
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		if sess.Unset(key) {
			lines = append(lines, fmt.Sprintf("unset %s", key))
		} else {
			lines = append(lines, fmt.Sprintf("%s was not set", key))
		}
	}
	return strings.Join(lines, "; "), nil
}

// cmdModel sets the session's model override.
func cmdModel(sess *session.Session, args map[string]any) (string, error) {
	name, ok := firstScalar(args, "model", "name")
	if !ok || name == "" {
		return "", fmt.Errorf("model: missing model name")
	}
	sess.SetModel(name)
	return fmt.Sprintf("model override set to %q", name), nil
}

// cmdOneOff arms a backend:model route consumed by the next routed
// request.
func cmdOneOff(sess *session.Session, args map[string]any) (string, error) {
	raw, ok := firstScalar(args, "backend", "route")
	if !ok || raw == "" {
		return "", fmt.Errorf("oneoff: missing backend[:model] route")
	}

	route := backends.Route{Prefix: raw}
	if idx := strings.Index(raw, ":"); idx >= 0 {
		route.Prefix = raw[:idx]
		route.Model = raw[idx+1:]
	}
	if route.Model == "" {
		if v, ok := args["model"]; ok {
			route.Model = scalarString(v)
		}
	}
	if route.Prefix == "" {
		return "", fmt.Errorf("oneoff: route %q has no backend prefix", raw)
	}
	sess.SetOneOff(route)

	if route.Model == "" {
		return fmt.Sprintf("one-off route armed: backend %q (request model)", route.Prefix), nil
	}
	return fmt.Sprintf("one-off route armed: backend %q model %q", route.Prefix, route.Model), nil
}

// cmdLoopMode switches the loop detector between warn and block.
func cmdLoopMode(sess *session.Session, args map[string]any) (string, error) {
	raw, ok := firstScalar(args, "mode")
	if !ok {
		return "", fmt.Errorf("tool-loop-mode: missing mode (warn|block)")
	}
	mode, err := control.ParseMode(raw)
	if err != nil {
		return "", fmt.Errorf("tool-loop-mode: %w", err)
	}
	sess.Loop().SetMode(mode)
	return fmt.Sprintf("tool-loop mode set to %s", mode), nil
}

// cmdLoopMaxRepeats sets the repeat threshold that trips the detector.
func cmdLoopMaxRepeats(sess *session.Session, args map[string]any) (string, error) {
	raw, ok := firstScalar(args, "max-repeats", "max_repeats")
	if !ok {
		return "", fmt.Errorf("tool-loop-max-repeats: missing count")
	}
	n, good := scalarInt(raw)
	if !good {
		return "", fmt.Errorf("tool-loop-max-repeats: %q is not an integer", raw)
	}
	if err := sess.Loop().SetMaxRepeats(n); err != nil {
		return "", fmt.Errorf("tool-loop-max-repeats: %w", err)
	}
	return fmt.Sprintf("tool-loop max repeats set to %d", n), nil
}

// cmdLoopTTL sets the loop-detection window in seconds.
func cmdLoopTTL(sess *session.Session, args map[string]any) (string, error) {
	raw, ok := firstScalar(args, "ttl", "seconds")
	if !ok {
		return "", fmt.Errorf("tool-loop-ttl: missing seconds")
	}
	n, good := scalarInt(raw)
	if !good {
		return "", fmt.Errorf("tool-loop-ttl: %q is not an integer", raw)
	}
	ttl := time.Duration(n) * time.Second
	if err := sess.Loop().SetTTL(ttl); err != nil {
		return "", fmt.Errorf("tool-loop-ttl: %w", err)
	}
	return fmt.Sprintf("tool-loop ttl set to %s", ttl), nil
}

// firstScalar pulls a command's single argument out of the shapes the
// parser produces: a wrapped JSON value, an element token, a k=v pair
// under one of the given names, or a lone bare token.
func firstScalar(args map[string]any, names ...string) (string, bool) {
	if v, ok := args["value"]; ok {
		return scalarString(v), true
	}
	if v, ok := args["element"]; ok {
		return scalarString(v), true
	}
	for _, name := range names {
		if v, ok := args[name]; ok {
			return scalarString(v), true
		}
	}
	if len(args) == 1 {
		for k, v := range args {
			if b, ok := v.(bool); ok && b {
				return k, true
			}
		}
	}
	return "", false
}

// scalarString renders any parsed argument value as a string.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// scalarFloat coerces a parsed argument value to float64.
func scalarFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// scalarInt coerces a parsed argument value to int, rejecting
// fractional numbers.
func scalarInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}
