package structured

import (
	"testing"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type weatherReport struct {
	City        string  `json:"city"`
	Temperature float64 `json:"temperature"`
	Summary     string  `json:"summary,omitempty"`
}

func mustModel(t *testing.T, spec string) *model.Model {
	t.Helper()
	m, err := model.Parse(spec, model.WithBaseURL("http://localhost:1"), model.WithAPIKey("k"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestResolveDerivesSchemaFromType(t *testing.T) {
	out := &Output{Type: weatherReport{}}

	req, err := out.Resolve(mustModel(t, "openai:gpt-4o"))
	require.NoError(t, err)

	assert.Equal(t, ModeJSONSchema, req.Mode)
	require.NotNil(t, req.Schema)
	props, ok := req.Schema["properties"].(map[string]any)
	require.True(t, ok, "derived schema has no properties: %v", req.Schema)
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "temperature")
}

func TestAutoModePerProvider(t *testing.T) {
	tests := []struct {
		spec string
		want Mode
	}{
		{"anthropic:claude-sonnet-4", ModeToolCall},
		{"openai:gpt-4o", ModeJSONSchema},
		{"groq:llama-3.3-70b", ModeJSONSchema},
		{"vllm:qwen", ModeJSONSchema},
		{"gemini:gemini-2.0-flash", ModeMDJSON},
		{"mistral:mistral-large", ModeMDJSON},
	}
	for _, tt := range tests {
		req, err := (&Output{Type: weatherReport{}}).Resolve(mustModel(t, tt.spec))
		require.NoError(t, err, tt.spec)
		assert.Equal(t, tt.want, req.Mode, tt.spec)
	}
}

func TestApplyToolCallMode(t *testing.T) {
	req, err := (&Output{Mode: ModeToolCall, Type: weatherReport{}}).Resolve(mustModel(t, "anthropic:claude-sonnet-4"))
	require.NoError(t, err)

	var settings llms.RequestSettings
	req.Apply(&settings)

	require.Len(t, settings.Tools, 1)
	assert.Equal(t, ToolName, settings.Tools[0].Name)
	assert.Equal(t, ToolName, settings.ToolChoice)
}

func TestApplyJSONSchemaMode(t *testing.T) {
	req, err := (&Output{Mode: ModeJSONSchema, Name: "report", Type: weatherReport{}}).Resolve(mustModel(t, "openai:gpt-4o"))
	require.NoError(t, err)

	var settings llms.RequestSettings
	req.Apply(&settings)

	require.NotNil(t, settings.ResponseFormat)
	assert.Equal(t, "json_schema", settings.ResponseFormat.Type)
	assert.Equal(t, "report", settings.ResponseFormat.Name)
	assert.True(t, settings.ResponseFormat.Strict)
}

func TestExtractToolCallMode(t *testing.T) {
	req, err := (&Output{Mode: ModeToolCall, Type: weatherReport{}}).Resolve(mustModel(t, "anthropic:claude-sonnet-4"))
	require.NoError(t, err)

	msg := protocol.NewAssistantMessage(protocol.ToolCallPart(protocol.ToolCall{
		ID:   "c1",
		Name: ToolName,
		Arguments: map[string]any{
			"city":        "Oslo",
			"temperature": 3.5,
		},
	}))

	raw, ok := req.Extract(msg)
	require.True(t, ok)
	assert.JSONEq(t, `{"city":"Oslo","temperature":3.5}`, raw)

	assert.True(t, req.IsOutputCall(msg.ToolCalls()[0]))
	assert.False(t, req.IsOutputCall(protocol.ToolCall{Name: "other"}))
}

func TestExtractMDJSONTrimsFence(t *testing.T) {
	req := &Request{Mode: ModeMDJSON}

	msg := protocol.NewAssistantMessage(protocol.TextPart(
		"Here is the result:\n```json\n{\"city\": \"Oslo\"}\n```\nDone.",
	))

	raw, ok := req.Extract(msg)
	require.True(t, ok)
	assert.JSONEq(t, `{"city":"Oslo"}`, raw)
}

func TestExtractMDJSONBareBraces(t *testing.T) {
	req := &Request{Mode: ModeMDJSON}

	raw, ok := req.Extract(protocol.NewAssistantMessage(protocol.TextPart(`answer: {"a": 1} trailing`)))
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, raw)
}

func TestValidateReportsFieldErrors(t *testing.T) {
	req, err := (&Output{Type: weatherReport{}}).Resolve(mustModel(t, "openai:gpt-4o"))
	require.NoError(t, err)

	err = req.Validate(`{"city": "Oslo", "temperature": "warm"}`)
	require.Error(t, err)

	verr, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T", err)
	require.NotEmpty(t, verr.Fields)

	prompt := verr.CorrectionPrompt()
	assert.Contains(t, prompt, "temperature")
}

func TestValidateAcceptsConformingOutput(t *testing.T) {
	req, err := (&Output{Type: weatherReport{}}).Resolve(mustModel(t, "openai:gpt-4o"))
	require.NoError(t, err)

	assert.NoError(t, req.Validate(`{"city": "Oslo", "temperature": 3.5, "summary": "cold"}`))
}

func TestValidateRejectsNonJSON(t *testing.T) {
	req, err := (&Output{Type: weatherReport{}}).Resolve(mustModel(t, "openai:gpt-4o"))
	require.NoError(t, err)

	err = req.Validate("not json at all")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields[0].Message, "not valid JSON")
}

func TestGuidedRequiresCapableBackend(t *testing.T) {
	out := &Output{Guided: &llms.GuidedDecoding{Choice: []string{"yes", "no"}}}

	_, err := out.Resolve(mustModel(t, "openai:gpt-4o"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration_error")

	req, err := out.Resolve(mustModel(t, "vllm:qwen"))
	require.NoError(t, err)

	var settings llms.RequestSettings
	req.Apply(&settings)
	require.NotNil(t, settings.Guided)
	assert.Equal(t, []string{"yes", "no"}, settings.Guided.Choice)
}

func TestGuidedValidation(t *testing.T) {
	choice := &Request{Guided: &llms.GuidedDecoding{Choice: []string{"yes", "no"}}}
	assert.NoError(t, choice.Validate("yes"))
	assert.Error(t, choice.Validate("maybe"))

	re := &Request{Guided: &llms.GuidedDecoding{Regex: `^\d{4}-\d{2}-\d{2}$`}}
	assert.NoError(t, re.Validate("2026-08-24"))
	assert.Error(t, re.Validate("yesterday"))
}

func TestPromptAddendumOnlyForMDJSON(t *testing.T) {
	md := &Request{Mode: ModeMDJSON, Schema: map[string]any{"type": "object"}}
	addendum := md.PromptAddendum()
	assert.Contains(t, addendum, "```json")
	assert.Contains(t, addendum, `"type":"object"`)

	js := &Request{Mode: ModeJSONSchema}
	assert.Empty(t, js.PromptAddendum())
}
