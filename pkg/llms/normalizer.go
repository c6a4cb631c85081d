package llms

import (
	"encoding/json"
	"sort"

	"github.com/strandkit/strand/pkg/protocol"
)

// NormalizerFor returns a fresh normalizer instance by name. Instances are
// stateful and must not be shared between streams.
func NormalizerFor(name string) Normalizer {
	switch name {
	case "mistral":
		return NewMistralNormalizer()
	default:
		return NewOpenAINormalizer()
	}
}

// openAIChunk is the wire shape of one OpenAI-style stream chunk. Mistral
// shares it modulo quirks handled in MistralNormalizer.
type openAIChunk struct {
	Object  string `json:"object"`
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			// DeepSeek-style reasoning field; either may carry thinking.
			ReasoningContent string           `json:"reasoning_content"`
			ToolCalls        []openAIToolCall `json:"tool_calls"`
		} `json:"delta"`
		Message      *openAIChoiceMessage `json:"message"`
		FinishReason string               `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIChoiceMessage struct {
	Role      string           `json:"role"`
	Content   json.RawMessage  `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

type openAIToolCall struct {
	Index    *int   `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// pendingToolCall accumulates a tool call whose arguments arrive as partial
// JSON fragments across chunks. The fragments are concatenated and parsed
// once, when the stream finishes.
type pendingToolCall struct {
	id   string
	name string
	args string
}

// OpenAINormalizer turns OpenAI-style chat completion chunks into canonical
// events. Text and thinking deltas pass through immediately; tool-call
// deltas are buffered until the finish boundary so the partial-JSON
// arguments can be reassembled.
type OpenAINormalizer struct {
	pending   map[int]*pendingToolCall
	lastIndex int
	finished  bool
}

func NewOpenAINormalizer() *OpenAINormalizer {
	return &OpenAINormalizer{pending: make(map[int]*pendingToolCall), lastIndex: -1}
}

func (n *OpenAINormalizer) NormalizeChunk(raw json.RawMessage) []StreamEvent {
	var chunk openAIChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		// Providers occasionally interleave keep-alive garbage; skip it.
		return nil
	}

	var events []StreamEvent

	if chunk.Usage != nil {
		u := &protocol.Usage{}
		u.AddTokens(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		events = append(events, StreamEvent{Type: EventUsage, Usage: u})
	}

	if len(chunk.Choices) == 0 {
		return events
	}

	choice := chunk.Choices[0]

	if choice.Delta != nil {
		if thinking := choice.Delta.Reasoning + choice.Delta.ReasoningContent; thinking != "" {
			events = append(events, StreamEvent{Type: EventThinkingDelta, Text: thinking})
		}
		if choice.Delta.Content != "" {
			events = append(events, StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			n.accumulate(tc)
		}
	}

	if choice.FinishReason != "" && !n.finished {
		n.finished = true
		events = append(events, n.flushToolCalls()...)
		events = append(events, StreamEvent{Type: EventFinish, FinishReason: choice.FinishReason})
	}

	return events
}

func (n *OpenAINormalizer) accumulate(tc openAIToolCall) {
	index := n.lastIndex
	switch {
	case tc.Index != nil:
		index = *tc.Index
	case tc.ID != "":
		index = len(n.pending)
	}
	if index < 0 {
		index = 0
	}
	n.lastIndex = index

	p, ok := n.pending[index]
	if !ok {
		p = &pendingToolCall{}
		n.pending[index] = p
	}
	if tc.ID != "" {
		p.id = tc.ID
	}
	if tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	p.args += tc.Function.Arguments
}

// flushToolCalls parses the accumulated argument fragments and emits one
// tool_call_delta per call, in index order.
func (n *OpenAINormalizer) flushToolCalls() []StreamEvent {
	if len(n.pending) == 0 {
		return nil
	}

	indexes := make([]int, 0, len(n.pending))
	for i := range n.pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	events := make([]StreamEvent, 0, len(indexes))
	for _, i := range indexes {
		p := n.pending[i]
		call := &protocol.ToolCall{ID: p.id, Name: p.name, Arguments: map[string]any{}}
		if p.args != "" {
			// A malformed argument string still surfaces the call; the tool
			// executor reports the decode failure back to the model.
			if err := json.Unmarshal([]byte(p.args), &call.Arguments); err != nil {
				call.ParseError = err.Error()
			}
		}
		events = append(events, StreamEvent{Type: EventToolCallDelta, ToolCall: call})
	}
	n.pending = make(map[int]*pendingToolCall)
	return events
}

// Finish emits the buffered tool calls and a synthetic finish event if the
// provider closed the stream without a finish_reason.
func (n *OpenAINormalizer) Finish() []StreamEvent {
	if n.finished {
		return nil
	}
	n.finished = true
	events := n.flushToolCalls()
	reason := "stop"
	if len(events) > 0 {
		reason = "tool_calls"
	}
	return append(events, StreamEvent{Type: EventFinish, FinishReason: reason})
}

func (n *OpenAINormalizer) IsCompleteResponse(raw json.RawMessage) bool {
	var chunk openAIChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return false
	}
	if chunk.Object == "chat.completion" {
		return true
	}
	return len(chunk.Choices) > 0 && chunk.Choices[0].Message != nil
}

func (n *OpenAINormalizer) ConvertCompleteResponse(raw json.RawMessage) []StreamEvent {
	var chunk openAIChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return []StreamEvent{{Type: EventError, Err: err}}
	}

	var events []StreamEvent

	if chunk.Usage != nil {
		u := &protocol.Usage{}
		u.AddTokens(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
		events = append(events, StreamEvent{Type: EventUsage, Usage: u})
	}

	if len(chunk.Choices) == 0 {
		return append(events, StreamEvent{Type: EventFinish, FinishReason: "stop"})
	}

	choice := chunk.Choices[0]
	reason := choice.FinishReason
	if reason == "" {
		reason = "stop"
	}

	if choice.Message != nil {
		var text string
		if len(choice.Message.Content) > 0 {
			_ = json.Unmarshal(choice.Message.Content, &text)
		}
		if text != "" {
			events = append(events, StreamEvent{Type: EventTextDelta, Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			call := &protocol.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: map[string]any{}}
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
					call.ParseError = err.Error()
				}
			}
			events = append(events, StreamEvent{Type: EventToolCallDelta, ToolCall: call})
		}
	}

	n.finished = true
	return append(events, StreamEvent{Type: EventFinish, FinishReason: reason})
}

// MistralNormalizer handles Mistral's variant of the OpenAI chunk shape.
// Mistral omits the tool-call index on continuation fragments (they belong
// to the most recent call) and reports usage only on the final chunk.
type MistralNormalizer struct {
	inner *OpenAINormalizer
}

func NewMistralNormalizer() *MistralNormalizer {
	return &MistralNormalizer{inner: NewOpenAINormalizer()}
}

func (n *MistralNormalizer) NormalizeChunk(raw json.RawMessage) []StreamEvent {
	return n.inner.NormalizeChunk(raw)
}

func (n *MistralNormalizer) Finish() []StreamEvent {
	return n.inner.Finish()
}

func (n *MistralNormalizer) IsCompleteResponse(raw json.RawMessage) bool {
	return n.inner.IsCompleteResponse(raw)
}

func (n *MistralNormalizer) ConvertCompleteResponse(raw json.RawMessage) []StreamEvent {
	return n.inner.ConvertCompleteResponse(raw)
}
