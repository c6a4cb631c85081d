package llms

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/strandkit/strand/pkg/protocol"
)

func TestGeminiRequest(t *testing.T) {
	var gotPath, gotKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "bonjour"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 5, "candidatesTokenCount": 2}
		}`)
	}))
	defer server.Close()

	p := NewGeminiProvider(testModel(t, "gemini:gemini-2.0-flash", server.URL))

	resp, err := p.Request(context.Background(), []protocol.Message{protocol.NewUserMessage("salut")}, RequestSettings{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if !strings.HasSuffix(gotPath, "/v1beta/models/gemini-2.0-flash:generateContent") {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}
	if resp.Message.Text() != "bonjour" {
		t.Errorf("text = %q", resp.Message.Text())
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestGeminiFunctionCallGetsSyntheticID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{"content": {"role": "model", "parts": [
				{"functionCall": {"name": "get_weather", "args": {"city": "Paris"}}}
			]}, "finishReason": "STOP"}]
		}`)
	}))
	defer server.Close()

	p := NewGeminiProvider(testModel(t, "gemini:gemini-2.0-flash", server.URL))

	resp, err := p.Request(context.Background(), []protocol.Message{protocol.NewUserMessage("weather?")}, RequestSettings{})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	calls := resp.Message.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID == "" {
		t.Error("tool call has no synthesized ID")
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
}

func TestGeminiStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"par"}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"tial"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2}}`,
		}
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
	}))
	defer server.Close()

	p := NewGeminiProvider(testModel(t, "gemini:gemini-2.0-flash", server.URL))

	stream, err := p.RequestStream(context.Background(), []protocol.Message{protocol.NewUserMessage("hi")}, RequestSettings{})
	if err != nil {
		t.Fatalf("RequestStream: %v", err)
	}

	var text string
	var finish string
	for ev := range stream {
		switch ev.Type {
		case EventTextDelta:
			text += ev.Text
		case EventFinish:
			finish = ev.FinishReason
		case EventError:
			t.Fatalf("stream error: %v", ev.Err)
		}
	}

	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if finish != "stop" {
		t.Errorf("finish = %q", finish)
	}
}

func TestSanitizeGeminiSchema(t *testing.T) {
	schema := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "additionalProperties": false},
		},
	}

	out := sanitizeGeminiSchema(schema)

	if _, ok := out["$schema"]; ok {
		t.Error("$schema survived sanitization")
	}
	if _, ok := out["additionalProperties"]; ok {
		t.Error("additionalProperties survived sanitization")
	}
	props := out["properties"].(map[string]any)
	name := props["name"].(map[string]any)
	if _, ok := name["additionalProperties"]; ok {
		t.Error("nested additionalProperties survived sanitization")
	}
	if name["type"] != "string" {
		t.Errorf("nested type = %v", name["type"])
	}
}

func TestTranslateGeminiMessages(t *testing.T) {
	out := translateGeminiMessages([]protocol.Message{
		protocol.NewUserMessage("hi"),
		protocol.NewAssistantMessage(protocol.ToolCallPart(protocol.ToolCall{
			ID: "call_x", Name: "f", Arguments: map[string]any{"a": 1},
		})),
		protocol.NewToolResultMessage("call_x", "f", "out"),
	})

	if len(out) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(out))
	}
	if out[1].Role != "model" || out[1].Parts[0].FunctionCall == nil {
		t.Errorf("assistant content = %+v", out[1])
	}
	if out[2].Role != "user" || out[2].Parts[0].FunctionResponse == nil {
		t.Errorf("tool result content = %+v", out[2])
	}
	if out[2].Parts[0].FunctionResponse.Name != "f" {
		t.Errorf("functionResponse = %+v", out[2].Parts[0].FunctionResponse)
	}
}
