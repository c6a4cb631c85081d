// Package llms contains the provider adapters, the HTTP/SSE transport glue,
// and the stream normalizers that turn heterogeneous provider wire formats
// into canonical messages and stream events.
package llms

import (
	"context"
	"encoding/json"

	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
)

// ToolDefinition is the canonical tool schema handed to adapters. Parameters
// is a JSON-schema object; each adapter translates it to its provider's
// function-tool dialect.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResponseFormat requests structured output from providers that support it.
type ResponseFormat struct {
	// Type is "json_object" or "json_schema".
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict bool           `json:"strict,omitempty"`
}

// GuidedDecoding carries token-level constraints for vLLM/SGLang backends.
// At most one field is set.
type GuidedDecoding struct {
	Choice  []string `json:"choice,omitempty"`
	Regex   string   `json:"regex,omitempty"`
	Grammar string   `json:"grammar,omitempty"`
}

// RequestSettings is everything an adapter needs beyond the messages:
// sampling settings plus tools and structured-output directives.
type RequestSettings struct {
	model.Settings

	Tools          []ToolDefinition
	ToolChoice     string // "", "auto", "required", or a specific tool name
	ResponseFormat *ResponseFormat
	Guided         *GuidedDecoding
}

// Response is the canonical result of a non-streaming chat request.
type Response struct {
	Message      protocol.Message
	Usage        protocol.Usage
	FinishReason string
}

// EventType enumerates canonical stream events.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	EventFinish        EventType = "finish"
	EventError         EventType = "error"
)

// StreamEvent is one canonical streaming event. A successfully opened stream
// yields zero or more deltas, optionally one usage event, and exactly one
// terminal finish or error event.
type StreamEvent struct {
	Type         EventType
	Text         string
	ToolCall     *protocol.ToolCall
	Usage        *protocol.Usage
	FinishReason string
	Err          error
}

// Provider is a chat backend. Implementations translate canonical messages
// to the provider wire shape, issue the request over the shared transport,
// and parse responses back into canonical form.
type Provider interface {
	// Request performs a non-streaming chat request.
	Request(ctx context.Context, messages []protocol.Message, settings RequestSettings) (*Response, error)

	// RequestStream opens a streaming chat request and returns the canonical
	// event channel. The channel is unbuffered: a lagging consumer blocks the
	// transport read (cooperative backpressure). The channel is closed after
	// the terminal event.
	RequestStream(ctx context.Context, messages []protocol.Message, settings RequestSettings) (<-chan StreamEvent, error)

	// Name returns the provider tag.
	Name() string
}

// Normalizer transforms provider-specific stream chunks into canonical
// events. A Normalizer instance is stateful for the life of one stream:
// partial tool-call arguments accumulate across chunks and parse at finish.
type Normalizer interface {
	// NormalizeChunk converts one raw chunk into zero or more events.
	NormalizeChunk(raw json.RawMessage) []StreamEvent

	// IsCompleteResponse reports whether the chunk is a complete
	// non-streaming response smuggled into the stream.
	IsCompleteResponse(raw json.RawMessage) bool

	// ConvertCompleteResponse emits the equivalent deltas plus finish for a
	// complete response chunk.
	ConvertCompleteResponse(raw json.RawMessage) []StreamEvent

	// Finish flushes buffered state at end of stream. It emits any assembled
	// tool calls plus a synthetic finish event when the provider closed the
	// stream without one; it returns nil if a finish was already emitted.
	Finish() []StreamEvent
}
