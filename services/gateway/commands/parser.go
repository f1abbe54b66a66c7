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
	"strings"
)

// ParseError reports argument text that failed strict JSON parsing.
//
// It is informational only: ParseArgs always degrades to the fallback
// comma grammar, so a ParseError never aborts a command.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("command args %q are not JSON: %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseArgs turns the text between a command's parentheses into a
// key/value map.
//
// Rules, in order:
//  1. Blank input yields an empty (non-nil) map.
//  2. Valid JSON: an object is returned verbatim with its JSON types;
//     any other JSON value is wrapped as {"value": <parsed>}.
//  3. Otherwise the comma grammar applies: tokens split on ",",
//     trimmed, empties skipped. "k=v" splits at the FIRST "=" with one
//     pair of matching quotes stripped from the value; a bare token
//     containing ":" or "/" lands under "element"; any other bare
//     token maps to true.
//
// Later duplicate keys overwrite earlier ones.
func ParseArgs(raw string) map[string]any {
	args, err := parseJSONArgs(raw)
	if err == nil {
		return args
	}
	return parseFallbackArgs(raw)
}

// parseJSONArgs handles rules 1 and 2. The returned *ParseError marks
// input for the fallback grammar.
func parseJSONArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, &ParseError{Raw: raw, Err: err}
	}
	if obj, ok := parsed.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"value": parsed}, nil
}

// parseFallbackArgs is the best-effort comma grammar (rule 3).
func parseFallbackArgs(raw string) map[string]any {
	args := make(map[string]any)
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if idx := strings.Index(token, "="); idx >= 0 {
			key := strings.TrimSpace(token[:idx])
			value := strings.TrimSpace(token[idx+1:])
			args[key] = unquote(value)
			continue
		}
		if strings.ContainsAny(token, ":/") {
			args["element"] = token
			continue
		}
		args[token] = true
	}
	return args
}

// unquote strips exactly one pair of matching single or double quotes.
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '\'' || first == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
