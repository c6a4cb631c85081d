package protocol

import (
	"testing"
)

func TestMessageText(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		Parts: []Part{
			TextPart("Hello"),
			ThinkingPart("hidden reasoning"),
			TextPart(", world"),
		},
	}

	if got, want := msg.Text(), "Hello, world"; got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}

	if got, want := msg.Thinking(), "hidden reasoning"; got != want {
		t.Errorf("Thinking() = %q, want %q", got, want)
	}
}

func TestMessageToolCalls(t *testing.T) {
	calls := []ToolCall{
		{ID: "call_1", Name: "search", Arguments: map[string]any{"q": "go"}},
		{ID: "call_2", Name: "add", Arguments: map[string]any{"a": 1.0, "b": 2.0}},
	}

	msg := NewAssistantMessage(
		TextPart("Let me check."),
		ToolCallPart(calls[0]),
		ToolCallPart(calls[1]),
	)

	got := msg.ToolCalls()
	if len(got) != 2 {
		t.Fatalf("ToolCalls() returned %d calls, want 2", len(got))
	}
	for i := range calls {
		if got[i].ID != calls[i].ID {
			t.Errorf("ToolCalls()[%d].ID = %q, want %q", i, got[i].ID, calls[i].ID)
		}
		if got[i].Name != calls[i].Name {
			t.Errorf("ToolCalls()[%d].Name = %q, want %q", i, got[i].Name, calls[i].Name)
		}
	}

	if !msg.HasToolCalls() {
		t.Error("HasToolCalls() = false, want true")
	}
}

// Tool-call identity must survive an extract/build round-trip: calls pulled
// out of an assistant message and reassembled into a new message must keep
// their IDs so later tool results can reference them.
func TestToolCallRoundTrip(t *testing.T) {
	original := NewAssistantMessage(
		ToolCallPart(ToolCall{ID: "call_abc", Name: "lookup", Arguments: map[string]any{"key": "v"}}),
	)

	extracted := original.ToolCalls()
	rebuilt := NewAssistantMessage(ToolCallPart(extracted[0]))

	got := rebuilt.ToolCalls()
	if len(got) != 1 || got[0].ID != "call_abc" || got[0].Name != "lookup" {
		t.Errorf("round-trip lost tool call identity: %+v", got)
	}

	result := NewToolResultMessage(got[0].ID, got[0].Name, "value")
	results := result.ToolResults()
	if len(results) != 1 || results[0].CallID != "call_abc" {
		t.Errorf("tool result does not reference originating call: %+v", results)
	}
}

func TestUsageAccumulation(t *testing.T) {
	var u Usage
	u.AddRequest()
	u.AddTokens(100, 50)
	u.AddToolCalls(2)

	var other Usage
	other.AddRequest()
	other.AddTokens(10, 5)

	u.Add(other)

	if u.Requests != 2 {
		t.Errorf("Requests = %d, want 2", u.Requests)
	}
	if u.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d, want 2", u.ToolCalls)
	}
	if u.InputTokens != 110 || u.OutputTokens != 55 {
		t.Errorf("tokens = %d/%d, want 110/55", u.InputTokens, u.OutputTokens)
	}
	if u.TotalTokens != 165 {
		t.Errorf("TotalTokens = %d, want 165", u.TotalTokens)
	}
}

func TestNewToolCallID(t *testing.T) {
	a := NewToolCallID()
	b := NewToolCallID()
	if a == b {
		t.Error("NewToolCallID() returned duplicate IDs")
	}
	if len(a) < 10 {
		t.Errorf("NewToolCallID() = %q, too short", a)
	}
}
