package backends

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// DummyBackend echoes the last user message back. It exists so the proxy
// can be exercised end to end without upstream credentials.
type DummyBackend struct {
	prefix string
	models []string
}

var _ Backend = (*DummyBackend)(nil)

func NewDummyBackend(prefix string) *DummyBackend {
	if prefix == "" {
		prefix = "dummy"
	}
	return &DummyBackend{
		prefix: prefix,
		models: []string{"echo", "echo-upper"},
	}
}

func (d *DummyBackend) Prefix() string { return d.prefix }

func (d *DummyBackend) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := d.render(req)
	return &ChatResponse{
		Model:        req.Model,
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     approxTokens(lastUserContent(req)),
			CompletionTokens: approxTokens(content),
		},
	}, nil
}

// ChatCompletionsStream yields the echo one word at a time so downstream
// chunk handling sees realistic multi-chunk traffic.
func (d *DummyBackend) ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(d.render(req))
	idx := 0
	done := false

	recv := func() (StreamChunk, error) {
		if err := ctx.Err(); err != nil {
			return StreamChunk{}, err
		}
		if idx < len(words) {
			chunk := words[idx]
			if idx > 0 {
				chunk = " " + chunk
			}
			idx++
			return StreamChunk{Content: chunk}, nil
		}
		if !done {
			done = true
			return StreamChunk{
				FinishReason: "stop",
				Usage:        &Usage{CompletionTokens: len(words)},
			}, nil
		}
		return StreamChunk{}, io.EOF
	}

	return NewStream(recv, func() error { return nil }), nil
}

func (d *DummyBackend) ListModels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(d.models))
	copy(out, d.models)
	return out, nil
}

func (d *DummyBackend) render(req ChatRequest) string {
	content := lastUserContent(req)
	if content == "" {
		return "(no user input)"
	}
	if req.Model == "echo-upper" {
		return strings.ToUpper(content)
	}
	return fmt.Sprintf("echo: %s", content)
}

func lastUserContent(req ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			return req.Messages[i].Content
		}
	}
	return ""
}

func approxTokens(s string) int {
	return len(strings.Fields(s))
}
