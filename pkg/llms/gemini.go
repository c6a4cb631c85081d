package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/strandkit/strand/pkg/httpclient"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
)

// GeminiProvider speaks the Gemini generateContent API. Roles are
// user/model, tool traffic rides functionCall/functionResponse parts, and
// streaming uses :streamGenerateContent with alt=sse.
//
// Gemini does not assign tool-call IDs; the adapter synthesizes them so the
// rest of the pipeline can pair calls with results.
type GeminiProvider struct {
	model      *model.Model
	httpClient *httpclient.Client
}

type gemRequest struct {
	Contents          []gemContent   `json:"contents"`
	SystemInstruction *gemContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *gemGenConfig  `json:"generationConfig,omitempty"`
	Tools             []gemToolDecls `json:"tools,omitempty"`
	ToolConfig        *gemToolConfig `json:"toolConfig,omitempty"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemPart struct {
	Text             string           `json:"text,omitempty"`
	InlineData       *gemInlineData   `json:"inlineData,omitempty"`
	FileData         *gemFileData     `json:"fileData,omitempty"`
	FunctionCall     *gemFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *gemFunctionResp `json:"functionResponse,omitempty"`
	Thought          bool             `json:"thought,omitempty"`
}

type gemInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type gemFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type gemFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type gemFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type gemGenConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string       `json:"stopSequences,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type gemToolDecls struct {
	FunctionDeclarations []gemFunctionDecl `json:"functionDeclarations"`
}

type gemFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type gemToolConfig struct {
	FunctionCallingConfig gemFCConfig `json:"functionCallingConfig"`
}

type gemFCConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func NewGeminiProvider(m *model.Model) *GeminiProvider {
	return &GeminiProvider{
		model: m,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: m.Timeout}),
		),
	}
}

func (p *GeminiProvider) Name() string {
	return string(model.ProviderGemini)
}

func (p *GeminiProvider) Request(ctx context.Context, messages []protocol.Message, settings RequestSettings) (*Response, error) {
	resp, err := p.open(ctx, ":generateContent", p.buildRequest(messages, settings))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed gemResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, newProviderError(p.Name(), parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("no response candidates returned")
	}

	candidate := parsed.Candidates[0]

	var parts []protocol.Part
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			parts = append(parts, protocol.ToolCallPart(protocol.ToolCall{
				ID:        protocol.NewToolCallID(),
				Name:      part.FunctionCall.Name,
				Arguments: args,
			}))
		case part.Thought:
			parts = append(parts, protocol.ThinkingPart(part.Text))
		case part.Text != "":
			parts = append(parts, protocol.TextPart(part.Text))
		}
	}

	var usage protocol.Usage
	if parsed.UsageMetadata != nil {
		usage.AddTokens(parsed.UsageMetadata.PromptTokenCount, parsed.UsageMetadata.CandidatesTokenCount)
	}
	usage.AddRequest()

	message := protocol.NewAssistantMessage(parts...)
	return &Response{
		Message:      message,
		Usage:        usage,
		FinishReason: normalizeGeminiFinish(candidate.FinishReason, message.HasToolCalls()),
	}, nil
}

func (p *GeminiProvider) RequestStream(ctx context.Context, messages []protocol.Message, settings RequestSettings) (<-chan StreamEvent, error) {
	resp, err := p.open(ctx, ":streamGenerateContent?alt=sse", p.buildRequest(messages, settings))
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		var (
			usage   protocol.Usage
			reason  string
			sawTool bool
		)

		send := func(ev StreamEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := readSSE(ctx, resp.Body, func(data []byte) error {
			var chunk gemResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				return nil
			}
			if chunk.Error != nil {
				return newProviderError(p.Name(), chunk.Error.Code, chunk.Error.Message)
			}

			if chunk.UsageMetadata != nil {
				usage = protocol.Usage{}
				usage.AddTokens(chunk.UsageMetadata.PromptTokenCount, chunk.UsageMetadata.CandidatesTokenCount)
			}

			if len(chunk.Candidates) == 0 {
				return nil
			}
			candidate := chunk.Candidates[0]
			if candidate.FinishReason != "" {
				reason = candidate.FinishReason
			}

			for _, part := range candidate.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					// Gemini streams whole calls, never partial arguments.
					sawTool = true
					args := part.FunctionCall.Args
					if args == nil {
						args = map[string]any{}
					}
					if err := send(StreamEvent{
						Type: EventToolCallDelta,
						ToolCall: &protocol.ToolCall{
							ID:        protocol.NewToolCallID(),
							Name:      part.FunctionCall.Name,
							Arguments: args,
						},
					}); err != nil {
						return err
					}
				case part.Thought:
					if err := send(StreamEvent{Type: EventThinkingDelta, Text: part.Text}); err != nil {
						return err
					}
				case part.Text != "":
					if err := send(StreamEvent{Type: EventTextDelta, Text: part.Text}); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			_ = send(StreamEvent{Type: EventError, Err: err})
			return
		}

		u := usage
		_ = send(StreamEvent{Type: EventUsage, Usage: &u})
		_ = send(StreamEvent{Type: EventFinish, FinishReason: normalizeGeminiFinish(reason, sawTool)})
	}()

	return events, nil
}

func normalizeGeminiFinish(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	default:
		return reason
	}
}

func (p *GeminiProvider) buildRequest(messages []protocol.Message, settings RequestSettings) gemRequest {
	system, rest := splitSystem(messages)

	req := gemRequest{Contents: translateGeminiMessages(rest)}
	if system != "" {
		req.SystemInstruction = &gemContent{Parts: []gemPart{{Text: system}}}
	}

	genConfig := &gemGenConfig{
		Temperature:     settings.Temperature,
		TopP:            settings.TopP,
		MaxOutputTokens: settings.MaxTokens,
		StopSequences:   settings.Stop,
	}
	if settings.ResponseFormat != nil {
		genConfig.ResponseMimeType = "application/json"
		if settings.ResponseFormat.Schema != nil {
			genConfig.ResponseSchema = sanitizeGeminiSchema(settings.ResponseFormat.Schema)
		}
	}
	req.GenerationConfig = genConfig

	if len(settings.Tools) > 0 {
		decls := make([]gemFunctionDecl, len(settings.Tools))
		for i, tool := range settings.Tools {
			decls[i] = gemFunctionDecl{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  sanitizeGeminiSchema(tool.Parameters),
			}
		}
		req.Tools = []gemToolDecls{{FunctionDeclarations: decls}}

		switch settings.ToolChoice {
		case "", "auto":
			req.ToolConfig = &gemToolConfig{FunctionCallingConfig: gemFCConfig{Mode: "AUTO"}}
		case "required":
			req.ToolConfig = &gemToolConfig{FunctionCallingConfig: gemFCConfig{Mode: "ANY"}}
		default:
			req.ToolConfig = &gemToolConfig{FunctionCallingConfig: gemFCConfig{
				Mode:                 "ANY",
				AllowedFunctionNames: []string{settings.ToolChoice},
			}}
		}
	}

	return req
}

func translateGeminiMessages(messages []protocol.Message) []gemContent {
	out := make([]gemContent, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Role == protocol.RoleAssistant {
			role = "model"
		}

		var parts []gemPart
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartTypeText:
				parts = append(parts, gemPart{Text: part.Text})
			case protocol.PartTypeImageURL:
				parts = append(parts, gemPart{FileData: &gemFileData{FileURI: part.URL}})
			case protocol.PartTypeAudio:
				parts = append(parts, gemPart{InlineData: &gemInlineData{
					MimeType: part.MediaType,
					Data:     part.Data,
				}})
			case protocol.PartTypeToolCall:
				parts = append(parts, gemPart{FunctionCall: &gemFunctionCall{
					Name: part.ToolCall.Name,
					Args: part.ToolCall.Arguments,
				}})
			case protocol.PartTypeToolResult:
				parts = append(parts, gemPart{FunctionResponse: &gemFunctionResp{
					Name:     part.ToolResult.Name,
					Response: map[string]any{"result": part.ToolResult.Content},
				}})
			}
			// Thinking parts are never replayed.
		}
		if len(parts) == 0 {
			continue
		}

		out = append(out, gemContent{Role: role, Parts: parts})
	}
	return out
}

// sanitizeGeminiSchema strips JSON-schema keywords Gemini's OpenAPI-subset
// schema language rejects.
func sanitizeGeminiSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		switch key {
		case "$schema", "$id", "$defs", "definitions", "additionalProperties":
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			out[key] = sanitizeGeminiSchema(v)
		case []any:
			list := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					list[i] = sanitizeGeminiSchema(m)
				} else {
					list[i] = item
				}
			}
			out[key] = list
		default:
			out[key] = value
		}
	}
	return out
}

func (p *GeminiProvider) open(ctx context.Context, action string, request gemRequest) (*http.Response, error) {
	if p.model.APIKey == "" {
		return nil, &ProviderError{
			Provider: p.Name(),
			Kind:     ErrAuthentication,
			Body:     "no API key configured for provider \"gemini\"",
		}
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s%s", p.model.BaseURL, p.model.Name, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.model.APIKey)

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
