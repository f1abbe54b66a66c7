package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-compatible backend. BaseURL may point
// at any server speaking the same wire format (OpenRouter, vLLM, an
// Ollama OpenAI facade); leave it empty for the hosted API.
type OpenAIConfig struct {
	Prefix  string
	BaseURL string
	Timeout time.Duration
}

type OpenAIBackend struct {
	client *openai.Client
	prefix string
}

var _ Backend = (*OpenAIBackend)(nil)

func NewOpenAIBackend(cfg OpenAIConfig, key KeyFunc) (*OpenAIBackend, error) {
	apiKey, err := key()
	if err != nil {
		return nil, fmt.Errorf("openai backend %q: resolve api key: %w", cfg.Prefix, err)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	slog.Info("Initializing OpenAI-compatible backend", "prefix", cfg.Prefix, "base_url", clientCfg.BaseURL)
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientCfg),
		prefix: cfg.Prefix,
	}, nil
}

func (o *OpenAIBackend) Prefix() string { return o.prefix }

func (o *OpenAIBackend) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(req, false))
	if err != nil {
		return nil, o.normalizeError(err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI-compatible backend returned no choices", "prefix", o.prefix, "model", req.Model)
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "upstream returned no choices"}
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (o *OpenAIBackend) ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	apiReq := o.buildRequest(req, true)
	apiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	upstream, err := o.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, o.normalizeError(err)
	}

	recv := func() (StreamChunk, error) {
		resp, err := upstream.Recv()
		if err != nil {
			// io.EOF passes through as the end-of-stream marker.
			return StreamChunk{}, err
		}

		var chunk StreamChunk
		if resp.Usage != nil {
			chunk.Usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) > 0 {
			choice := resp.Choices[0]
			chunk.Content = choice.Delta.Content
			chunk.FinishReason = string(choice.FinishReason)
			for _, tc := range choice.Delta.ToolCalls {
				chunk.ToolCalls = append(chunk.ToolCalls, ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		}
		return chunk, nil
	}

	return NewStream(recv, upstream.Close), nil
}

func (o *OpenAIBackend) ListModels(ctx context.Context) ([]string, error) {
	list, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, o.normalizeError(err)
	}
	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.ID)
	}
	return models, nil
}

func (o *OpenAIBackend) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: stream,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	if len(req.Stop) > 0 {
		out.Stop = req.Stop
	}

	for _, msg := range req.Messages {
		apiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, apiMsg)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

// normalizeError maps library errors onto the shared taxonomy. A 429
// becomes *RateLimitError with any "try again in Ns" hint parsed from
// the message; everything else with a status becomes *UpstreamError.
func (o *OpenAIBackend) normalizeError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &RateLimitError{
				StatusCode: apiErr.HTTPStatusCode,
				Body:       apiErr.Message,
				RetryAfter: parseRetryHint(apiErr.Message),
			}
		}
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &RateLimitError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
		}
		if reqErr.HTTPStatusCode > 0 {
			return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
		}
	}

	return fmt.Errorf("openai backend %q: %w", o.prefix, err)
}

// parseRetryHint scans a rate-limit message for the "try again in 1.2s"
// phrasing the hosted API uses. Returns 0 when no hint is found.
func parseRetryHint(msg string) time.Duration {
	const marker = "try again in "
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return 0
	}
	fields := strings.Fields(msg[idx+len(marker):])
	if len(fields) == 0 {
		return 0
	}
	token := strings.TrimSuffix(fields[0], ".")
	if d, ok := ParseRetryDelay(token); ok {
		return d
	}
	return 0
}
