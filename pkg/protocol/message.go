// Package protocol defines the canonical message and usage types shared by
// every provider adapter, strategy, and the agent runner. Providers translate
// to and from these types at their boundary; nothing outside pkg/llms ever
// sees a provider wire shape.
package protocol

import (
	"strings"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeImageURL   PartType = "image_url"
	PartTypeAudio      PartType = "audio"
	PartTypeToolCall   PartType = "tool_call"
	PartTypeToolResult PartType = "tool_result"
	PartTypeThinking   PartType = "thinking"
)

// ToolCall is a request from the model to invoke a named tool.
// IDs are unique within a run.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// ParseError records an argument decode failure from stream reassembly.
	// The executor reports it to the model as the tool result instead of
	// invoking the handler.
	ParseError string `json:"-"`
}

// ToolResult carries a tool's output back to the model. CallID references
// the ID of the originating ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// Part is a tagged union. Exactly one of the payload fields is meaningful,
// selected by Type.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	URL        string      `json:"url,omitempty"`
	MediaType  string      `json:"media_type,omitempty"`
	Data       string      `json:"data,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func ThinkingPart(text string) Part {
	return Part{Type: PartTypeThinking, Text: text}
}

func ImageURLPart(url string) Part {
	return Part{Type: PartTypeImageURL, URL: url}
}

func AudioPart(mediaType, data string) Part {
	return Part{Type: PartTypeAudio, MediaType: mediaType, Data: data}
}

func ToolCallPart(call ToolCall) Part {
	c := call
	return Part{Type: PartTypeToolCall, ToolCall: &c}
}

func ToolResultPart(callID, name, content string) Part {
	return Part{Type: PartTypeToolResult, ToolResult: &ToolResult{
		CallID:  callID,
		Name:    name,
		Content: content,
	}}
}

// Message is an ordered sequence of role-tagged parts.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func NewSystemMessage(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func NewAssistantMessage(parts ...Part) Message {
	return Message{Role: RoleAssistant, Parts: parts}
}

func NewToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart(callID, name, content)}}
}

// Text concatenates all text parts of the message in order.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Thinking concatenates all thinking parts of the message in order.
func (m Message) Thinking() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeThinking {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool calls of an assistant message in emission order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartTypeToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool results of a tool message in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartTypeToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

func (m Message) HasToolCalls() bool {
	for _, p := range m.Parts {
		if p.Type == PartTypeToolCall {
			return true
		}
	}
	return false
}

// NewToolCallID generates an ID for tool calls synthesized locally
// (behaviour tools, structured output). Provider-issued IDs are kept as-is.
func NewToolCallID() string {
	return "call_" + uuid.New().String()
}
