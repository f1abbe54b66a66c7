package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicDefaultMaxTok  = 4096
)

// --- Wire Types ---

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        []systemBlock      `json:"system,omitempty"` // Top-level system prompt
	MaxTokens     int                `json:"max_tokens"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Temperature   *float32           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use blocks
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      *anthropicUsage  `json:"usage,omitempty"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// streaming event payloads (SSE)

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index,omitempty"`

	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type,omitempty"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`
}

// --- Backend Implementation ---

// AnthropicConfig configures an Anthropic-style backend.
type AnthropicConfig struct {
	Prefix  string
	BaseURL string
	Timeout time.Duration
}

type AnthropicBackend struct {
	httpClient *http.Client
	baseURL    string
	prefix     string
	key        KeyFunc
}

var _ Backend = (*AnthropicBackend)(nil)

func NewAnthropicBackend(cfg AnthropicConfig, key KeyFunc) (*AnthropicBackend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	slog.Info("Initializing Anthropic-style backend", "prefix", cfg.Prefix, "base_url", baseURL)
	return &AnthropicBackend{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		prefix:     cfg.Prefix,
		key:        key,
	}, nil
}

func (a *AnthropicBackend) Prefix() string { return a.prefix }

func (a *AnthropicBackend) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	reqPayload := a.buildRequest(req, false)

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic request: %w", err)
	}
	if err := a.setHeaders(httpReq); err != nil {
		return nil, err
	}

	slog.Debug("Sending REST request to Anthropic-style backend", "prefix", a.prefix, "model", req.Model)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Anthropic response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.normalizeHTTPError(resp, bodyBytes)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}
	if len(apiResp.Content) == 0 && apiResp.StopReason == "" {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "received empty content from Anthropic"}
	}

	return a.convertResponse(&apiResp, req.Model), nil
}

func (a *AnthropicBackend) ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	reqPayload := a.buildRequest(req, true)

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Anthropic stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic stream request: %w", err)
	}
	if err := a.setHeaders(httpReq); err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, a.normalizeHTTPError(resp, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Tool-use blocks arrive as a start event plus JSON fragments; the
	// assembled call is emitted when its block stops.
	var pendingTool *ToolCall
	var pendingArgs strings.Builder

	recv := func() (StreamChunk, error) {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				return StreamChunk{}, fmt.Errorf("failed to parse Anthropic stream event: %w", err)
			}

			switch event.Type {
			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					pendingTool = &ToolCall{ID: event.ContentBlock.ID, Name: event.ContentBlock.Name}
					pendingArgs.Reset()
				}
			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				if event.Delta.Type == "input_json_delta" && pendingTool != nil {
					pendingArgs.WriteString(event.Delta.PartialJSON)
					continue
				}
				if event.Delta.Text != "" {
					return StreamChunk{Content: event.Delta.Text}, nil
				}
			case "content_block_stop":
				if pendingTool != nil {
					call := *pendingTool
					call.Arguments = pendingArgs.String()
					if call.Arguments == "" {
						call.Arguments = "{}"
					}
					pendingTool = nil
					return StreamChunk{ToolCalls: []ToolCall{call}}, nil
				}
			case "message_delta":
				chunk := StreamChunk{}
				if event.Delta != nil && event.Delta.StopReason != "" {
					chunk.FinishReason = convertStopReason(event.Delta.StopReason)
				}
				if event.Usage != nil {
					chunk.Usage = &Usage{CompletionTokens: event.Usage.OutputTokens}
				}
				if chunk.FinishReason != "" || chunk.Usage != nil {
					return chunk, nil
				}
			case "message_stop":
				return StreamChunk{}, io.EOF
			case "error":
				return StreamChunk{}, &UpstreamError{StatusCode: http.StatusBadGateway, Body: line}
			}
		}
		if err := scanner.Err(); err != nil {
			return StreamChunk{}, err
		}
		return StreamChunk{}, io.EOF
	}

	return NewStream(recv, resp.Body.Close), nil
}

func (a *AnthropicBackend) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", a.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Anthropic models request: %w", err)
	}
	if err := a.setHeaders(httpReq); err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Anthropic models request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Anthropic models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, a.normalizeHTTPError(resp, body)
	}

	var list anthropicModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic models response: %w", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// --- Translation ---

func (a *AnthropicBackend) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	var apiMessages []anthropicMessage
	var systemPrompt string

	// 1. Convert neutral messages to Anthropic format
	for _, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += msg.Content
		case "assistant":
			apiMsg := anthropicMessage{Role: "assistant"}
			if msg.Content != "" {
				apiMsg.Content = append(apiMsg.Content, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				apiMsg.Content = append(apiMsg.Content, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			apiMessages = append(apiMessages, apiMsg)
		case "tool":
			apiMessages = append(apiMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		default:
			apiMessages = append(apiMessages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}

	// 2. Handle system prompt with caching
	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{
			Type: "text",
			Text: systemPrompt,
		}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTok
	}

	out := anthropicRequest{
		Model:         req.Model,
		Messages:      apiMessages,
		System:        systemBlocks,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        stream,
	}

	for _, tool := range req.Tools {
		schema := tool.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}

	return out
}

func (a *AnthropicBackend) convertResponse(apiResp *anthropicResponse, model string) *ChatResponse {
	out := &ChatResponse{
		Model:        model,
		FinishReason: convertStopReason(apiResp.StopReason),
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		case "thinking":
			slog.Debug("Anthropic thinking block received", "length", len(block.Text))
		}
	}
	out.Content = text.String()

	if apiResp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
		}
	}
	return out
}

func convertStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// --- Transport ---

func (a *AnthropicBackend) setHeaders(req *http.Request) error {
	apiKey, err := a.key()
	if err != nil {
		return fmt.Errorf("anthropic backend %q: resolve api key: %w", a.prefix, err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	return nil
}

// normalizeHTTPError maps a non-200 response onto the shared taxonomy.
// The retry-after header, when present on a 429, becomes the retry hint.
func (a *AnthropicBackend) normalizeHTTPError(resp *http.Response, body []byte) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		rle := &RateLimitError{StatusCode: resp.StatusCode, Body: string(body)}
		if d, ok := ParseRetryAfterHeader(resp.Header.Get("retry-after")); ok {
			rle.RetryAfter = d
		}
		slog.Warn("Anthropic rate limited", "prefix", a.prefix, "retry_after", rle.RetryAfter)
		return rle
	}
	return &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}
