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

// OpenAIProvider speaks the OpenAI chat completions dialect. It serves every
// OpenAI-compatible provider tag (openai, groq, ollama, lmstudio, vllm,
// sglang, openrouter, together, custom); only the base URL, credentials, and
// stream normalizer differ.
type OpenAIProvider struct {
	model      *model.Model
	httpClient *httpclient.Client
}

type oaRequest struct {
	Model          string        `json:"model"`
	Messages       []oaMessage   `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	TopP           *float64      `json:"top_p,omitempty"`
	MaxTokens      *int          `json:"max_tokens,omitempty"`
	Stop           []string      `json:"stop,omitempty"`
	Stream         bool          `json:"stream,omitempty"`
	StreamOptions  *oaStreamOpts `json:"stream_options,omitempty"`
	Tools          []oaTool      `json:"tools,omitempty"`
	ToolChoice     any           `json:"tool_choice,omitempty"`
	ResponseFormat *oaRespFormat `json:"response_format,omitempty"`

	// vLLM/SGLang guided decoding extensions.
	GuidedChoice  []string `json:"guided_choice,omitempty"`
	GuidedRegex   string   `json:"guided_regex,omitempty"`
	GuidedGrammar string   `json:"guided_grammar,omitempty"`

	// Mistral extension.
	SafePrompt bool `json:"safe_prompt,omitempty"`
}

type oaStreamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaRespFormat struct {
	Type       string        `json:"type"`
	JSONSchema *oaJSONSchema `json:"json_schema,omitempty"`
}

type oaJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type oaMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []oaContentPart
	ToolCalls  []oaToolCallWire `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type oaContentPart struct {
	Type       string        `json:"type"`
	Text       string        `json:"text,omitempty"`
	ImageURL   *oaImageURL   `json:"image_url,omitempty"`
	InputAudio *oaInputAudio `json:"input_audio,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaInputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type oaTool struct {
	Type     string         `json:"type"`
	Function oaToolFunction `json:"function"`
}

type oaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaToolCallWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaResponse struct {
	Choices []struct {
		Message      oaRespMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *oaError     `json:"error,omitempty"`
}

type oaRespMessage struct {
	Content          string           `json:"content"`
	Reasoning        string           `json:"reasoning"`
	ReasoningContent string           `json:"reasoning_content"`
	ToolCalls        []oaToolCallWire `json:"tool_calls"`
}

type oaError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// NewOpenAIProvider builds the adapter for any OpenAI-compatible model.
func NewOpenAIProvider(m *model.Model) *OpenAIProvider {
	return &OpenAIProvider{
		model: m,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: m.Timeout}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
	}
}

func (p *OpenAIProvider) Name() string {
	return string(p.model.Provider)
}

func (p *OpenAIProvider) Request(ctx context.Context, messages []protocol.Message, settings RequestSettings) (*Response, error) {
	body, err := p.do(ctx, p.buildRequest(messages, settings, false))
	if err != nil {
		return nil, err
	}

	var resp oaResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, &ProviderError{Provider: p.Name(), Kind: ErrBadRequest, Body: resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := resp.Choices[0]

	var parts []protocol.Part
	if thinking := choice.Message.Reasoning + choice.Message.ReasoningContent; thinking != "" {
		parts = append(parts, protocol.ThinkingPart(thinking))
	}
	if choice.Message.Content != "" {
		parts = append(parts, protocol.TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, protocol.ToolCallPart(parseWireToolCall(tc)))
	}

	var usage protocol.Usage
	if resp.Usage != nil {
		usage.AddTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	usage.AddRequest()

	return &Response{
		Message:      protocol.NewAssistantMessage(parts...),
		Usage:        usage,
		FinishReason: choice.FinishReason,
	}, nil
}

func (p *OpenAIProvider) RequestStream(ctx context.Context, messages []protocol.Message, settings RequestSettings) (<-chan StreamEvent, error) {
	req := p.buildRequest(messages, settings, true)
	req.StreamOptions = &oaStreamOpts{IncludeUsage: true}

	resp, err := p.open(ctx, req)
	if err != nil {
		return nil, err
	}

	normalizer := NormalizerFor(p.model.Normalizer)
	events := make(chan StreamEvent)

	go func() {
		defer close(events)
		defer resp.Body.Close()

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
			raw := json.RawMessage(data)
			if normalizer.IsCompleteResponse(raw) {
				return send(normalizer.ConvertCompleteResponse(raw))
			}
			return send(normalizer.NormalizeChunk(raw))
		})
		if err != nil {
			select {
			case events <- StreamEvent{Type: EventError, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		_ = send(normalizer.Finish())
	}()

	return events, nil
}

func (p *OpenAIProvider) buildRequest(messages []protocol.Message, settings RequestSettings, stream bool) oaRequest {
	req := oaRequest{
		Model:       p.model.Name,
		Messages:    translateOpenAIMessages(messages),
		Temperature: settings.Temperature,
		TopP:        settings.TopP,
		Stop:        settings.Stop,
		Stream:      stream,
	}

	if settings.MaxTokens > 0 {
		mt := settings.MaxTokens
		req.MaxTokens = &mt
	}

	if len(settings.Tools) > 0 {
		req.Tools = make([]oaTool, len(settings.Tools))
		for i, tool := range settings.Tools {
			req.Tools[i] = oaTool{Type: "function", Function: oaToolFunction(tool)}
		}
		switch settings.ToolChoice {
		case "", "auto":
			req.ToolChoice = "auto"
		case "required":
			req.ToolChoice = "required"
		default:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": settings.ToolChoice},
			}
		}
	}

	if settings.ResponseFormat != nil {
		rf := &oaRespFormat{Type: settings.ResponseFormat.Type}
		if settings.ResponseFormat.Schema != nil {
			rf.JSONSchema = &oaJSONSchema{
				Name:   settings.ResponseFormat.Name,
				Schema: settings.ResponseFormat.Schema,
				Strict: settings.ResponseFormat.Strict,
			}
		}
		req.ResponseFormat = rf
	}

	if settings.Guided != nil && p.model.GuidedDecoding() {
		req.GuidedChoice = settings.Guided.Choice
		req.GuidedRegex = settings.Guided.Regex
		req.GuidedGrammar = settings.Guided.Grammar
	}

	if settings.SafePrompt {
		req.SafePrompt = true
	}

	return req
}

func translateOpenAIMessages(messages []protocol.Message) []oaMessage {
	out := make([]oaMessage, 0, len(messages))
	for _, msg := range messages {
		// Tool results become one role=tool message per result.
		if msg.Role == protocol.RoleTool {
			for _, tr := range msg.ToolResults() {
				out = append(out, oaMessage{
					Role:       "tool",
					Content:    tr.Content,
					ToolCallID: tr.CallID,
				})
			}
			continue
		}

		var parts []oaContentPart
		for _, part := range msg.Parts {
			switch part.Type {
			case protocol.PartTypeText:
				parts = append(parts, oaContentPart{Type: "text", Text: part.Text})
			case protocol.PartTypeImageURL:
				parts = append(parts, oaContentPart{Type: "image_url", ImageURL: &oaImageURL{URL: part.URL}})
			case protocol.PartTypeAudio:
				parts = append(parts, oaContentPart{Type: "input_audio", InputAudio: &oaInputAudio{
					Data:   part.Data,
					Format: audioFormat(part.MediaType),
				}})
			}
			// Thinking parts are provider-private and never sent back.
		}

		oaMsg := oaMessage{Role: string(msg.Role)}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			oaMsg.Content = parts[0].Text
		case len(parts) > 0:
			oaMsg.Content = parts
		default:
			oaMsg.Content = ""
		}

		for _, tc := range msg.ToolCalls() {
			argsJSON, _ := json.Marshal(tc.Arguments)
			wire := oaToolCallWire{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = string(argsJSON)
			oaMsg.ToolCalls = append(oaMsg.ToolCalls, wire)
		}

		out = append(out, oaMsg)
	}
	return out
}

func audioFormat(mediaType string) string {
	switch mediaType {
	case "audio/wav", "audio/x-wav":
		return "wav"
	default:
		return "mp3"
	}
}

func parseWireToolCall(tc oaToolCallWire) protocol.ToolCall {
	call := protocol.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.ParseError = err.Error()
		}
	}
	return call
}

// do executes a non-streaming request and returns the response body.
func (p *OpenAIProvider) do(ctx context.Context, request oaRequest) ([]byte, error) {
	resp, err := p.open(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// open issues the HTTP request and maps failure statuses onto the provider
// error taxonomy. The caller owns the response body.
func (p *OpenAIProvider) open(ctx context.Context, request oaRequest) (*http.Response, error) {
	if p.model.APIKey == "" && requiresKey(p.model.Provider) {
		return nil, &ProviderError{
			Provider: p.Name(),
			Kind:     ErrAuthentication,
			Body:     fmt.Sprintf("no API key configured for provider %q", p.model.Provider),
		}
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.model.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.model.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.model.APIKey)
	}
	if p.model.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.model.Organization)
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

func requiresKey(provider model.Provider) bool {
	switch provider {
	case model.ProviderOpenAI, model.ProviderGroq, model.ProviderOpenRouter,
		model.ProviderTogether, model.ProviderAnthropic, model.ProviderGemini,
		model.ProviderMistral:
		return true
	}
	return false
}
