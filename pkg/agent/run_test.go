package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/strandkit/strand/pkg/httpclient"
	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/strandkit/strand/pkg/structured"
	"github.com/strandkit/strand/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider replays a scripted sequence of responses.
type fakeProvider struct {
	responses []*llms.Response
	errs      []error
	calls     int
	requests  [][]protocol.Message
	settings  []llms.RequestSettings
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Request(ctx context.Context, messages []protocol.Message, settings llms.RequestSettings) (*llms.Response, error) {
	f.requests = append(f.requests, messages)
	f.settings = append(f.settings, settings)
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.responses) {
		return nil, fmt.Errorf("fake provider exhausted after %d responses", len(f.responses))
	}
	return f.responses[i], nil
}

func (f *fakeProvider) RequestStream(ctx context.Context, messages []protocol.Message, settings llms.RequestSettings) (<-chan llms.StreamEvent, error) {
	resp, err := f.Request(ctx, messages, settings)
	if err != nil {
		return nil, err
	}
	events := make(chan llms.StreamEvent)
	go func() {
		defer close(events)
		if text := resp.Message.Text(); text != "" {
			events <- llms.StreamEvent{Type: llms.EventTextDelta, Text: text}
		}
		events <- llms.StreamEvent{Type: llms.EventFinish, FinishReason: resp.FinishReason}
	}()
	return events, nil
}

func textResponse(text string, tokens int) *llms.Response {
	usage := protocol.Usage{Requests: 1}
	usage.AddTokens(tokens, tokens)
	return &llms.Response{
		Message:      protocol.NewAssistantMessage(protocol.TextPart(text)),
		Usage:        usage,
		FinishReason: "stop",
	}
}

func toolResponse(calls ...protocol.ToolCall) *llms.Response {
	parts := make([]protocol.Part, len(calls))
	for i, c := range calls {
		parts[i] = protocol.ToolCallPart(c)
	}
	return &llms.Response{
		Message:      protocol.NewAssistantMessage(parts...),
		Usage:        protocol.Usage{Requests: 1},
		FinishReason: "tool_calls",
	}
}

func echoTool() *tools.Tool {
	return &tools.Tool{
		Name:        "echo",
		Description: "echo text back",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
			return args["text"], nil
		},
	}
}

func TestRunToolLoopTerminates(t *testing.T) {
	provider := &fakeProvider{responses: []*llms.Response{
		toolResponse(protocol.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "ping"}}),
		textResponse("pong", 5),
	}}

	a, err := New(Config{
		Name:     "t",
		Provider: provider,
		Tools:    []*tools.Tool{echoTool()},
	})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "say pong")
	require.NoError(t, err)

	assert.Equal(t, "pong", result.Output)
	assert.Equal(t, 2, result.Usage.Requests)
	assert.Equal(t, 1, result.Usage.ToolCalls)

	// Conversation shape: user, assistant(tool call), tool result, assistant.
	require.Len(t, result.NewMessages, 4)
	assert.Equal(t, protocol.RoleUser, result.NewMessages[0].Role)
	assert.True(t, result.NewMessages[1].HasToolCalls())
	results := result.NewMessages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].CallID)
	assert.Equal(t, "ping", results[0].Content)
}

func TestRunUnknownToolSurfacedToModel(t *testing.T) {
	provider := &fakeProvider{responses: []*llms.Response{
		toolResponse(protocol.ToolCall{ID: "c1", Name: "no_such_tool", Arguments: map[string]any{}}),
		textResponse("recovered", 1),
	}}

	a, err := New(Config{Provider: provider, Tools: []*tools.Tool{echoTool()}})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "go")
	require.NoError(t, err, "unknown tool must not fail the run")

	results := result.NewMessages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "Tool not found: no_such_tool", results[0].Content)
	assert.Equal(t, "recovered", result.Output)
}

func TestRunMaxIterationsExceeded(t *testing.T) {
	// The model calls a tool forever.
	responses := make([]*llms.Response, 12)
	for i := range responses {
		responses[i] = toolResponse(protocol.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "echo", Arguments: map[string]any{"text": "x"}})
	}
	provider := &fakeProvider{responses: responses}

	a, err := New(Config{Provider: provider, Tools: []*tools.Tool{echoTool()}})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "loop")
	require.Error(t, err)
	assert.Equal(t, CodeMaxIterationsExceeded, CodeOf(err))
	assert.LessOrEqual(t, provider.calls, 10)
}

func TestRunUsageLimitExceeded(t *testing.T) {
	provider := &fakeProvider{responses: []*llms.Response{textResponse("big", 1000)}}

	a, err := New(Config{Provider: provider, Limits: UsageLimits{MaxTokens: 100}})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, CodeUsageLimitExceeded, CodeOf(err))
}

func TestRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &fakeProvider{responses: []*llms.Response{textResponse("x", 1)}}
	a, err := New(Config{Provider: provider})
	require.NoError(t, err)

	_, err = a.Run(ctx, "hi")
	require.Error(t, err)
	assert.Equal(t, CodeExecutionCancelled, CodeOf(err))
	assert.Zero(t, provider.calls, "no request after cancellation")
}

func TestRunTimeoutCode(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	a, err := New(Config{Provider: &fakeProvider{}})
	require.NoError(t, err)

	_, err = a.Run(ctx, "hi")
	assert.Equal(t, CodeTimeout, CodeOf(err))
}

func TestRunRetriesRetryableProviderError(t *testing.T) {
	provider := &fakeProvider{
		errs:      []error{&httpclient.RetryableError{StatusCode: 429, Message: "rate limited"}},
		responses: []*llms.Response{nil, textResponse("ok", 1)},
	}

	a, err := New(Config{Provider: provider, RequestRetries: 1})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 2, provider.calls)
}

func TestRunNonRetryableErrorPassesThrough(t *testing.T) {
	provErr := &llms.ProviderError{Provider: "fake", Kind: llms.ErrAuthentication, Status: 401}
	provider := &fakeProvider{errs: []error{provErr}}

	a, err := New(Config{Provider: provider, RequestRetries: 3})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "hi")
	var got *llms.ProviderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 1, provider.calls, "authentication errors are not retried")
}

func TestRunContextPatchReachesDeps(t *testing.T) {
	remember := &tools.Tool{
		Name:       "remember",
		Parameters: map[string]any{"type": "object"},
		Handler: func(ec *tools.ExecContext, args map[string]any) (any, error) {
			return map[string]any{
				"status":               "ok",
				tools.UpdateContextKey: map[string]any{"seen": true},
			}, nil
		},
	}
	provider := &fakeProvider{responses: []*llms.Response{
		toolResponse(protocol.ToolCall{ID: "c1", Name: "remember", Arguments: map[string]any{}}),
		textResponse("done", 1),
	}}

	a, err := New(Config{Provider: provider, Tools: []*tools.Tool{remember}})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "go", WithDeps(map[string]any{"user": "ada"}))
	require.NoError(t, err)

	assert.Equal(t, true, result.Deps["seen"])
	assert.Equal(t, "ada", result.Deps["user"])
}

func TestRunReActStrategy(t *testing.T) {
	provider := &fakeProvider{responses: []*llms.Response{
		toolResponse(protocol.ToolCall{ID: "c1", Name: "plan", Arguments: map[string]any{"text": "answer directly"}}),
		toolResponse(protocol.ToolCall{ID: "c2", Name: "final_answer", Arguments: map[string]any{"text": "42"}}),
	}}

	a, err := New(Config{Provider: provider, Strategy: "react"})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "meaning of life?")
	require.NoError(t, err)

	assert.Equal(t, "42", result.Output)
	// Strategy-internal state never leaks into result deps.
	for k := range result.Deps {
		assert.NotContains(t, k, "__")
	}
}

func TestRunStructuredOutputValidationRetry(t *testing.T) {
	type answer struct {
		Value int `json:"value"`
	}

	provider := &fakeProvider{responses: []*llms.Response{
		textResponse(`{"value": "not a number"}`, 1),
		textResponse(`{"value": 7}`, 1),
	}}

	a, err := New(Config{
		Model:    "openai:gpt-4o",
		Provider: provider,
		Output:   &structured.Output{Type: answer{}, MaxRetries: 2},
	})
	require.NoError(t, err)

	result, err := a.Run(context.Background(), "give a value")
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":7}`, result.Output)
	assert.Equal(t, 2, provider.calls)

	// The corrective message reached the model on the second request.
	second := provider.requests[1]
	last := second[len(second)-1]
	assert.Equal(t, protocol.RoleUser, last.Role)
	assert.Contains(t, last.Text(), "did not match")
}

func TestRunStructuredOutputExhaustsRetries(t *testing.T) {
	type answer struct {
		Value int `json:"value"`
	}

	bad := textResponse(`{"value": "still wrong"}`, 1)
	provider := &fakeProvider{responses: []*llms.Response{bad, bad, bad}}

	a, err := New(Config{
		Model:    "openai:gpt-4o",
		Provider: provider,
		Output:   &structured.Output{Type: answer{}, MaxRetries: 2},
	})
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "give a value")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))

	var verr *structured.ValidationError
	assert.True(t, errors.As(err, &verr), "field errors preserved: %v", err)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, CodeConfiguration, CodeOf(err))

	dup := echoTool()
	_, err = New(Config{Provider: &fakeProvider{}, Tools: []*tools.Tool{dup, dup}})
	assert.Equal(t, CodeConfiguration, CodeOf(err))
}

func TestRunStream(t *testing.T) {
	provider := &fakeProvider{responses: []*llms.Response{textResponse("streamed", 1)}}
	a, err := New(Config{Provider: provider})
	require.NoError(t, err)

	events, err := a.RunStream(context.Background(), "hi")
	require.NoError(t, err)

	var text string
	var finished bool
	for ev := range events {
		switch ev.Type {
		case llms.EventTextDelta:
			text += ev.Text
		case llms.EventFinish:
			finished = true
		}
	}
	assert.Equal(t, "streamed", text)
	assert.True(t, finished)
}
