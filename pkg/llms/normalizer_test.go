package llms

import (
	"encoding/json"
	"testing"
)

func normalizeAll(t *testing.T, n Normalizer, chunks []string) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for _, chunk := range chunks {
		events = append(events, n.NormalizeChunk(json.RawMessage(chunk))...)
	}
	events = append(events, n.Finish()...)
	return events
}

func TestOpenAINormalizerTextStream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{}, "finish_reason":"stop"}]}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventTextDelta || events[0].Text != "Hel" {
		t.Errorf("event 0 = %+v, want text delta 'Hel'", events[0])
	}
	if events[1].Type != EventTextDelta || events[1].Text != "lo" {
		t.Errorf("event 1 = %+v, want text delta 'lo'", events[1])
	}
	if events[2].Type != EventFinish || events[2].FinishReason != "stop" {
		t.Errorf("event 2 = %+v, want finish stop", events[2])
	}
}

func TestOpenAINormalizerSingleFinish(t *testing.T) {
	n := NewOpenAINormalizer()

	events := n.NormalizeChunk(json.RawMessage(`{"choices":[{"delta":{},"finish_reason":"stop"}]}`))
	events = append(events, n.Finish()...)

	finishes := 0
	for _, ev := range events {
		if ev.Type == EventFinish {
			finishes++
		}
	}
	if finishes != 1 {
		t.Errorf("expected exactly one finish event, got %d", finishes)
	}
}

func TestOpenAINormalizerThinkingDelta(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm "}}]}`,
		`{"choices":[{"delta":{"reasoning":"ok"}}]}`,
		`{"choices":[{"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	if events[0].Type != EventThinkingDelta || events[0].Text != "hmm " {
		t.Errorf("event 0 = %+v, want thinking delta", events[0])
	}
	if events[1].Type != EventThinkingDelta || events[1].Text != "ok" {
		t.Errorf("event 1 = %+v, want thinking delta", events[1])
	}
	if events[2].Type != EventTextDelta || events[2].Text != "answer" {
		t.Errorf("event 2 = %+v, want text delta", events[2])
	}
}

func TestOpenAINormalizerPartialToolArguments(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_2","function":{"name":"get_time","arguments":"{\"tz\":\"CET\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	var calls []StreamEvent
	for _, ev := range events {
		if ev.Type == EventToolCallDelta {
			calls = append(calls, ev)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d: %+v", len(calls), events)
	}

	first := calls[0].ToolCall
	if first.ID != "call_1" || first.Name != "get_weather" {
		t.Errorf("first call = %+v", first)
	}
	if city, _ := first.Arguments["city"].(string); city != "Oslo" {
		t.Errorf("first call arguments = %v, want city Oslo", first.Arguments)
	}

	second := calls[1].ToolCall
	if second.ID != "call_2" || second.Name != "get_time" {
		t.Errorf("second call = %+v", second)
	}
	if tz, _ := second.Arguments["tz"].(string); tz != "CET" {
		t.Errorf("second call arguments = %v, want tz CET", second.Arguments)
	}

	last := events[len(events)-1]
	if last.Type != EventFinish || last.FinishReason != "tool_calls" {
		t.Errorf("last event = %+v, want finish tool_calls", last)
	}
}

func TestOpenAINormalizerToolCallsPrecedeFinish(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	sawCall := false
	for _, ev := range events {
		switch ev.Type {
		case EventToolCallDelta:
			sawCall = true
		case EventFinish:
			if !sawCall {
				t.Fatal("finish emitted before buffered tool call")
			}
		}
	}
}

func TestOpenAINormalizerSynthesizesFinish(t *testing.T) {
	// Stream closes without a finish_reason chunk; Finish must flush the
	// buffered call and synthesize the finish.
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f","arguments":"{\"a\":1}"}}]}}]}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventToolCallDelta {
		t.Errorf("event 0 = %+v, want tool call", events[0])
	}
	if events[1].Type != EventFinish || events[1].FinishReason != "tool_calls" {
		t.Errorf("event 1 = %+v, want synthetic finish tool_calls", events[1])
	}
}

func TestOpenAINormalizerUsageChunk(t *testing.T) {
	chunks := []string{
		`{"choices":[{"delta":{"content":"x"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	}

	events := normalizeAll(t, NewOpenAINormalizer(), chunks)

	var usage *StreamEvent
	for i := range events {
		if events[i].Type == EventUsage {
			usage = &events[i]
		}
	}
	if usage == nil {
		t.Fatal("no usage event emitted")
	}
	if usage.Usage.InputTokens != 10 || usage.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", usage.Usage)
	}
}

func TestMistralNormalizerNilIndexContinuation(t *testing.T) {
	// Mistral omits the index on continuation fragments; they belong to the
	// most recent call.
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"m1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}

	events := normalizeAll(t, NewMistralNormalizer(), chunks)

	var calls []StreamEvent
	for _, ev := range events {
		if ev.Type == EventToolCallDelta {
			calls = append(calls, ev)
		}
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if q, _ := calls[0].ToolCall.Arguments["q"].(string); q != "go" {
		t.Errorf("arguments = %v, want q=go", calls[0].ToolCall.Arguments)
	}
}

func TestOpenAINormalizerCompleteResponse(t *testing.T) {
	raw := json.RawMessage(`{
		"object": "chat.completion",
		"choices": [{"message": {"role": "assistant", "content": "done", "tool_calls": []}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 3, "completion_tokens": 1}
	}`)

	n := NewOpenAINormalizer()
	if !n.IsCompleteResponse(raw) {
		t.Fatal("complete response not detected")
	}

	events := n.ConvertCompleteResponse(raw)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventUsage {
		t.Errorf("event 0 = %+v, want usage", events[0])
	}
	if events[1].Type != EventTextDelta || events[1].Text != "done" {
		t.Errorf("event 1 = %+v, want text 'done'", events[1])
	}
	if events[2].Type != EventFinish || events[2].FinishReason != "stop" {
		t.Errorf("event 2 = %+v, want finish stop", events[2])
	}

	if extra := n.Finish(); extra != nil {
		t.Errorf("Finish after complete response emitted %+v", extra)
	}
}

func TestNormalizerFor(t *testing.T) {
	if _, ok := NormalizerFor("mistral").(*MistralNormalizer); !ok {
		t.Error("mistral name did not select MistralNormalizer")
	}
	if _, ok := NormalizerFor("").(*OpenAINormalizer); !ok {
		t.Error("empty name did not select OpenAINormalizer")
	}
}
