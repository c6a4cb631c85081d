package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/strandkit/strand/pkg/httpclient"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicBeta1M    = "context-1m-2025-08-07"
	anthropicMaxTokens = 4096 // max_tokens is mandatory on this API
)

// AnthropicProvider speaks the Anthropic messages API. System prompts ride a
// dedicated field, tool calls are content blocks, and streaming uses typed
// SSE events instead of uniform chunks.
type AnthropicProvider struct {
	model      *model.Model
	httpClient *httpclient.Client
}

type antRequest struct {
	Model         string       `json:"model"`
	MaxTokens     int          `json:"max_tokens"`
	Messages      []antMessage `json:"messages"`
	System        string       `json:"system,omitempty"`
	Temperature   *float64     `json:"temperature,omitempty"`
	TopP          *float64     `json:"top_p,omitempty"`
	StopSequences []string     `json:"stop_sequences,omitempty"`
	Stream        bool         `json:"stream,omitempty"`
	Tools         []antTool    `json:"tools,omitempty"`
	ToolChoice    any          `json:"tool_choice,omitempty"`
	Thinking      *antThinking `json:"thinking,omitempty"`
}

type antThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type antMessage struct {
	Role    string     `json:"role"`
	Content []antBlock `json:"content"`
}

type antBlock struct {
	Type string `json:"type"`

	// text, thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// image
	Source *antImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type antImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type antResponse struct {
	Content    []antRespBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      antUsage       `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type antRespBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Thinking string          `json:"thinking"`
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

type antUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func NewAnthropicProvider(m *model.Model) *AnthropicProvider {
	return &AnthropicProvider{
		model: m,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: m.Timeout}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}
}

func (p *AnthropicProvider) Name() string {
	return string(model.ProviderAnthropic)
}

func (p *AnthropicProvider) Request(ctx context.Context, messages []protocol.Message, settings RequestSettings) (*Response, error) {
	resp, err := p.open(ctx, p.buildRequest(messages, settings, false), settings)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed antResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Kind: ErrBadRequest, Body: parsed.Error.Message}
	}

	var parts []protocol.Part
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			parts = append(parts, protocol.TextPart(block.Text))
		case "thinking":
			parts = append(parts, protocol.ThinkingPart(block.Thinking))
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("failed to parse tool input for %s: %w", block.Name, err)
				}
			}
			parts = append(parts, protocol.ToolCallPart(protocol.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			}))
		}
	}

	var usage protocol.Usage
	usage.AddTokens(parsed.Usage.InputTokens, parsed.Usage.OutputTokens)
	usage.AddRequest()

	return &Response{
		Message:      protocol.NewAssistantMessage(parts...),
		Usage:        usage,
		FinishReason: normalizeAnthropicStop(parsed.StopReason),
	}, nil
}

func (p *AnthropicProvider) RequestStream(ctx context.Context, messages []protocol.Message, settings RequestSettings) (<-chan StreamEvent, error) {
	resp, err := p.open(ctx, p.buildRequest(messages, settings, true), settings)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		stream := &anthropicStream{}

		send := func(evs []StreamEvent) error {
			for _, ev := range evs {
				select {
				case events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}

		err := readSSE(ctx, resp.Body, func(data []byte) error {
			return send(stream.handle(data))
		})
		if err != nil {
			select {
			case events <- StreamEvent{Type: EventError, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		_ = send(stream.finish())
	}()

	return events, nil
}

// anthropicStream tracks the per-stream state of the typed event protocol:
// the currently open tool_use block's partial input JSON, and usage counts
// that arrive split between message_start and message_delta.
type anthropicStream struct {
	toolID     string
	toolName   string
	toolInput  strings.Builder
	inTool     bool
	usage      protocol.Usage
	stopReason string
	finished   bool
}

type antEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage antUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *antUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *anthropicStream) handle(data []byte) []StreamEvent {
	var event antEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil
	}

	switch event.Type {
	case "message_start":
		if event.Message != nil {
			s.usage.AddTokens(event.Message.Usage.InputTokens, event.Message.Usage.OutputTokens)
		}

	case "content_block_start":
		if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
			s.inTool = true
			s.toolID = event.ContentBlock.ID
			s.toolName = event.ContentBlock.Name
			s.toolInput.Reset()
		}

	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return []StreamEvent{{Type: EventTextDelta, Text: event.Delta.Text}}
		case "thinking_delta":
			return []StreamEvent{{Type: EventThinkingDelta, Text: event.Delta.Thinking}}
		case "input_json_delta":
			s.toolInput.WriteString(event.Delta.PartialJSON)
		}

	case "content_block_stop":
		if s.inTool {
			s.inTool = false
			return []StreamEvent{s.closeTool()}
		}

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			s.stopReason = event.Delta.StopReason
		}
		if event.Usage != nil {
			s.usage.AddTokens(event.Usage.InputTokens, event.Usage.OutputTokens)
		}

	case "message_stop":
		return s.finish()

	case "error":
		if event.Error != nil {
			return []StreamEvent{{Type: EventError, Err: fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message)}}
		}
	}

	return nil
}

// closeTool parses the accumulated input JSON and emits the assembled call.
func (s *anthropicStream) closeTool() StreamEvent {
	call := &protocol.ToolCall{ID: s.toolID, Name: s.toolName, Arguments: map[string]any{}}
	if s.toolInput.Len() > 0 {
		if err := json.Unmarshal([]byte(s.toolInput.String()), &call.Arguments); err != nil {
			call.ParseError = err.Error()
		}
	}
	return StreamEvent{Type: EventToolCallDelta, ToolCall: call}
}

func (s *anthropicStream) finish() []StreamEvent {
	if s.finished {
		return nil
	}
	s.finished = true

	var events []StreamEvent
	if s.inTool {
		s.inTool = false
		events = append(events, s.closeTool())
	}

	usage := s.usage
	events = append(events, StreamEvent{Type: EventUsage, Usage: &usage})

	reason := normalizeAnthropicStop(s.stopReason)
	if reason == "" {
		reason = "stop"
	}
	return append(events, StreamEvent{Type: EventFinish, FinishReason: reason})
}

// normalizeAnthropicStop maps Anthropic stop reasons onto the canonical
// OpenAI-style vocabulary.
func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func (p *AnthropicProvider) buildRequest(messages []protocol.Message, settings RequestSettings, stream bool) antRequest {
	system, rest := splitSystem(messages)

	req := antRequest{
		Model:         p.model.Name,
		MaxTokens:     anthropicMaxTokens,
		Messages:      translateAnthropicMessages(rest),
		System:        system,
		Temperature:   settings.Temperature,
		TopP:          settings.TopP,
		StopSequences: settings.Stop,
		Stream:        stream,
	}

	if settings.MaxTokens > 0 {
		req.MaxTokens = settings.MaxTokens
	}

	if settings.ThinkingBudget > 0 {
		req.Thinking = &antThinking{Type: "enabled", BudgetTokens: settings.ThinkingBudget}
	}

	if len(settings.Tools) > 0 {
		req.Tools = make([]antTool, len(settings.Tools))
		for i, tool := range settings.Tools {
			req.Tools[i] = antTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		switch settings.ToolChoice {
		case "", "auto":
			req.ToolChoice = map[string]any{"type": "auto"}
		case "required":
			req.ToolChoice = map[string]any{"type": "any"}
		default:
			req.ToolChoice = map[string]any{"type": "tool", "name": settings.ToolChoice}
		}
	}

	return req
}

// splitSystem extracts system messages into Anthropic's dedicated system
// field; multiple system messages concatenate with blank lines.
func splitSystem(messages []protocol.Message) (string, []protocol.Message) {
	var system []string
	rest := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

func translateAnthropicMessages(messages []protocol.Message) []antMessage {
	out := make([]antMessage, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "assistant"
		}

		var blocks []antBlock
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartTypeText:
				blocks = append(blocks, antBlock{Type: "text", Text: part.Text})
			case protocol.PartTypeThinking:
				blocks = append(blocks, antBlock{Type: "thinking", Thinking: part.Text})
			case protocol.PartTypeImageURL:
				blocks = append(blocks, antBlock{Type: "image", Source: &antImageSource{Type: "url", URL: part.URL}})
			case protocol.PartTypeToolCall:
				blocks = append(blocks, antBlock{
					Type:  "tool_use",
					ID:    part.ToolCall.ID,
					Name:  part.ToolCall.Name,
					Input: part.ToolCall.Arguments,
				})
			case protocol.PartTypeToolResult:
				blocks = append(blocks, antBlock{
					Type:      "tool_result",
					ToolUseID: part.ToolResult.CallID,
					Content:   part.ToolResult.Content,
				})
			}
		}
		if len(blocks) == 0 {
			blocks = []antBlock{{Type: "text", Text: ""}}
		}

		out = append(out, antMessage{Role: role, Content: blocks})
	}
	return out
}

func (p *AnthropicProvider) open(ctx context.Context, request antRequest, settings RequestSettings) (*http.Response, error) {
	if p.model.APIKey == "" {
		return nil, &ProviderError{
			Provider: p.Name(),
			Kind:     ErrAuthentication,
			Body:     "no API key configured for provider \"anthropic\"",
		}
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.model.BaseURL+"/v1/messages", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.model.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	if settings.Context1M {
		req.Header.Set("anthropic-beta", anthropicBeta1M)
	}

	resp, err := p.httpClient.Do(req)
	if resp != nil && resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, newProviderError(p.Name(), resp.StatusCode, string(body))
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}
