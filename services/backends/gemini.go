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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var geminiTracer = otel.Tracer("strait.backends.gemini")

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// --- Wire Types ---

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
	Tools             []geminiToolGroup `json:"tools,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiGenConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay,omitempty"`
		} `json:"details,omitempty"`
	} `json:"error"`
}

type geminiModelList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// --- Backend Implementation ---

// GeminiConfig configures a Gemini-style backend.
type GeminiConfig struct {
	Prefix  string
	BaseURL string
	Timeout time.Duration
}

type GeminiBackend struct {
	httpClient *http.Client
	baseURL    string
	prefix     string
	key        KeyFunc
}

var _ Backend = (*GeminiBackend)(nil)

func NewGeminiBackend(cfg GeminiConfig, key KeyFunc) (*GeminiBackend, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	slog.Info("Initializing Gemini-style backend", "prefix", cfg.Prefix, "base_url", baseURL)
	return &GeminiBackend{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		prefix:     cfg.Prefix,
		key:        key,
	}, nil
}

func (g *GeminiBackend) Prefix() string { return g.prefix }

func (g *GeminiBackend) ChatCompletions(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiBackend.ChatCompletions")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)
	respBody, err := g.post(ctx, url, g.buildRequest(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var apiResp geminiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to parse Gemini response: %w", err)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Body: "upstream returned no candidates"}
	}

	out := g.convertCandidate(&apiResp, req.Model)
	return out, nil
}

func (g *GeminiBackend) ChatCompletionsStream(ctx context.Context, req ChatRequest) (*Stream, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiBackend.ChatCompletionsStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", g.baseURL, req.Model)

	reqBody, err := json.Marshal(g.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Gemini stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini stream request: %w", err)
	}
	if err := g.setHeaders(httpReq); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("Gemini stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, g.normalizeHTTPError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recv := func() (StreamChunk, error) {
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var apiResp geminiResponse
			if err := json.Unmarshal([]byte(payload), &apiResp); err != nil {
				return StreamChunk{}, fmt.Errorf("failed to parse Gemini stream chunk: %w", err)
			}
			if len(apiResp.Candidates) == 0 {
				continue
			}

			converted := g.convertCandidate(&apiResp, req.Model)
			chunk := StreamChunk{
				Content:      converted.Content,
				ToolCalls:    converted.ToolCalls,
				FinishReason: converted.FinishReason,
			}
			if apiResp.UsageMetadata != nil {
				chunk.Usage = &Usage{
					PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
					CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
				}
			}
			return chunk, nil
		}
		if err := scanner.Err(); err != nil {
			return StreamChunk{}, err
		}
		return StreamChunk{}, io.EOF
	}

	return NewStream(recv, resp.Body.Close), nil
}

func (g *GeminiBackend) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := geminiTracer.Start(ctx, "GeminiBackend.ListModels")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini models request: %w", err)
	}
	if err := g.setHeaders(httpReq); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("Gemini models request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gemini models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, g.normalizeHTTPError(resp.StatusCode, body)
	}

	var list geminiModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to parse Gemini models response: %w", err)
	}

	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		// The API reports fully qualified names like "models/gemini-2.0-flash".
		models = append(models, strings.TrimPrefix(m.Name, "models/"))
	}
	return models, nil
}

// --- Translation ---

func (g *GeminiBackend) buildRequest(req ChatRequest) geminiRequest {
	out := geminiRequest{}

	for _, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "system":
			// System prompts ride in the dedicated instruction slot.
			if out.SystemInstruction == nil {
				out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
			} else {
				out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			}
		case "assistant":
			content := geminiContent{Role: "model"}
			if msg.Content != "" {
				content.Parts = append(content.Parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{
						Name: tc.Name,
						Args: json.RawMessage(tc.Arguments),
					},
				})
			}
			out.Contents = append(out.Contents, content)
		case "tool":
			name := toolNameForCallID(req.Messages, msg.ToolCallID)
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResp{Name: name, Response: response},
				}},
			})
		default:
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	if req.Temperature != nil || req.MaxTokens > 0 || len(req.Stop) > 0 {
		out.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		}
	}

	if len(req.Tools) > 0 {
		group := geminiToolGroup{}
		for _, tool := range req.Tools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, geminiFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		out.Tools = []geminiToolGroup{group}
	}

	return out
}

func (g *GeminiBackend) convertCandidate(apiResp *geminiResponse, model string) *ChatResponse {
	candidate := apiResp.Candidates[0]
	out := &ChatResponse{Model: model}

	var textParts []string
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: args,
			})
		}
	}
	out.Content = strings.Join(textParts, "")

	switch candidate.FinishReason {
	case "STOP", "":
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		} else {
			out.FinishReason = "stop"
		}
	case "MAX_TOKENS":
		out.FinishReason = "length"
	default:
		out.FinishReason = strings.ToLower(candidate.FinishReason)
	}

	if apiResp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     apiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: apiResp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

// toolNameForCallID recovers the function name for a tool result turn by
// scanning earlier assistant turns. The wire format keys function
// responses by name, not call id.
func toolNameForCallID(messages []Message, callID string) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return callID
}

// --- Transport ---

func (g *GeminiBackend) setHeaders(req *http.Request) error {
	apiKey, err := g.key()
	if err != nil {
		return fmt.Errorf("gemini backend %q: resolve api key: %w", g.prefix, err)
	}
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

func (g *GeminiBackend) post(ctx context.Context, url string, payload geminiRequest) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini request: %w", err)
	}
	if err := g.setHeaders(httpReq); err != nil {
		return nil, err
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, g.normalizeHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

// normalizeHTTPError maps a non-200 response onto the shared taxonomy.
// RESOURCE_EXHAUSTED carries its retryDelay hint in the RetryInfo error
// detail ("1s" form); that hint rides along on the RateLimitError.
func (g *GeminiBackend) normalizeHTTPError(statusCode int, body []byte) error {
	var errResp geminiErrorResponse
	parsed := json.Unmarshal(body, &errResp) == nil

	rateLimited := statusCode == http.StatusTooManyRequests ||
		(parsed && errResp.Error.Status == "RESOURCE_EXHAUSTED")

	if rateLimited {
		rle := &RateLimitError{StatusCode: statusCode, Body: string(body)}
		if parsed {
			for _, detail := range errResp.Error.Details {
				if detail.RetryDelay == "" {
					continue
				}
				if d, ok := ParseRetryDelay(detail.RetryDelay); ok {
					rle.RetryAfter = d
					break
				}
			}
		}
		slog.Warn("Gemini rate limited", "prefix", g.prefix, "status", statusCode, "retry_after", rle.RetryAfter)
		return rle
	}

	return &UpstreamError{StatusCode: statusCode, Body: string(body)}
}
