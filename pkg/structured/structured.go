// Package structured turns agent output into validated, typed JSON. It
// derives JSON schemas from Go types, selects a provider-appropriate
// delivery mode (forced tool call, native json_schema, json mode, or
// markdown-fenced JSON), and validates results with field-level errors the
// runner can feed back to the model.
package structured

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	jsv "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/strandkit/strand/pkg/llms"
	"github.com/strandkit/strand/pkg/model"
	"github.com/strandkit/strand/pkg/protocol"
)

type Mode string

const (
	// ModeAuto picks the best mode for the provider.
	ModeAuto Mode = "auto"
	// ModeToolCall forces a synthetic tool whose arguments are the output.
	ModeToolCall Mode = "tool_call"
	// ModeJSONSchema uses the provider's native structured output support.
	ModeJSONSchema Mode = "json_schema"
	// ModeJSON requests generic JSON mode without a schema.
	ModeJSON Mode = "json"
	// ModeMDJSON instructs the model to emit a fenced JSON block.
	ModeMDJSON Mode = "md_json"
)

// ToolName is the synthetic tool used by tool_call mode.
const ToolName = "__structured_output__"

// Output configures structured output for an agent.
type Output struct {
	Mode Mode
	// Name labels the schema; defaults to "output".
	Name string
	// Type is a Go value whose type the schema is derived from. Ignored
	// when Schema is set.
	Type any
	// Schema is a raw JSON-schema map.
	Schema map[string]any
	// Guided applies token-level constraints instead of a schema; only
	// vLLM/SGLang backends support it.
	Guided *llms.GuidedDecoding
	// MaxRetries is the number of validation-failure retries (default 2).
	MaxRetries int
}

// Request is a resolved Output bound to one model: concrete mode, derived
// schema, and a compiled validator.
type Request struct {
	Mode       Mode
	Name       string
	Schema     map[string]any
	Guided     *llms.GuidedDecoding
	MaxRetries int

	compiled *jsv.Schema
}

// Resolve binds the output configuration to a model, deriving the schema
// and selecting the delivery mode.
func (o *Output) Resolve(m *model.Model) (*Request, error) {
	req := &Request{
		Name:       o.Name,
		Guided:     o.Guided,
		MaxRetries: o.MaxRetries,
	}
	if req.Name == "" {
		req.Name = "output"
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = 2
	}

	if o.Guided != nil {
		if !m.GuidedDecoding() {
			return nil, fmt.Errorf("configuration_error: guided decoding requires a vllm or sglang backend, got %q", m.Provider)
		}
		return req, nil
	}

	schema, err := o.schemaMap()
	if err != nil {
		return nil, err
	}
	req.Schema = schema

	req.Mode = o.Mode
	if req.Mode == "" || req.Mode == ModeAuto {
		req.Mode = autoMode(m)
	}

	if schema != nil {
		compiled, err := compile(schema)
		if err != nil {
			return nil, fmt.Errorf("configuration_error: invalid output schema: %w", err)
		}
		req.compiled = compiled
	}

	return req, nil
}

func (o *Output) schemaMap() (map[string]any, error) {
	if o.Schema != nil {
		return o.Schema, nil
	}
	if o.Type == nil {
		return nil, nil
	}

	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	derived := reflector.Reflect(o.Type)

	raw, err := json.Marshal(derived)
	if err != nil {
		return nil, fmt.Errorf("configuration_error: failed to derive schema: %w", err)
	}
	schema := map[string]any{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("configuration_error: failed to derive schema: %w", err)
	}
	return schema, nil
}

// autoMode picks the delivery mode the provider handles best.
func autoMode(m *model.Model) Mode {
	switch {
	case m.Provider == model.ProviderAnthropic:
		return ModeToolCall
	case m.OpenAICompatible():
		return ModeJSONSchema
	default:
		return ModeMDJSON
	}
}

func compile(schema map[string]any) (*jsv.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsv.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, err
	}
	compiler := jsv.NewCompiler()
	if err := compiler.AddResource("output.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("output.json")
}

// Apply folds the structured request into provider request settings.
func (r *Request) Apply(settings *llms.RequestSettings) {
	if r.Guided != nil {
		settings.Guided = r.Guided
		return
	}

	switch r.Mode {
	case ModeToolCall:
		settings.Tools = append(settings.Tools, llms.ToolDefinition{
			Name:        ToolName,
			Description: "Return the final structured output.",
			Parameters:  r.Schema,
		})
		settings.ToolChoice = ToolName
	case ModeJSONSchema:
		settings.ResponseFormat = &llms.ResponseFormat{
			Type:   "json_schema",
			Name:   r.Name,
			Schema: r.Schema,
			Strict: true,
		}
	case ModeJSON:
		settings.ResponseFormat = &llms.ResponseFormat{Type: "json_object"}
	}
}

// PromptAddendum returns instructions to append to the system prompt for
// modes that rely on prompting rather than provider enforcement.
func (r *Request) PromptAddendum() string {
	if r.Guided != nil || r.Mode != ModeMDJSON {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Respond with a single JSON object inside a ```json fenced block.")
	if r.Schema != nil {
		raw, err := json.Marshal(r.Schema)
		if err == nil {
			sb.WriteString(" It must conform to this JSON schema:\n")
			sb.Write(raw)
		}
	}
	return sb.String()
}

// Extract pulls the raw structured payload from a final assistant message.
func (r *Request) Extract(msg protocol.Message) (string, bool) {
	if r.Mode == ModeToolCall {
		for _, call := range msg.ToolCalls() {
			if call.Name == ToolName {
				raw, err := json.Marshal(call.Arguments)
				if err != nil {
					return "", false
				}
				return string(raw), true
			}
		}
		return "", false
	}

	text := msg.Text()
	if text == "" {
		return "", false
	}
	if r.Mode == ModeMDJSON {
		return extractFenced(text), true
	}
	return text, true
}

// IsOutputCall reports whether a tool call is the synthetic output carrier
// and must not reach the tool executor.
func (r *Request) IsOutputCall(call protocol.ToolCall) bool {
	return r.Mode == ModeToolCall && call.Name == ToolName
}

// extractFenced trims a response down to its fenced JSON block, falling
// back to the outermost braces.
func extractFenced(text string) string {
	for _, fence := range []string{"```json", "```"} {
		if start := strings.Index(text, fence); start >= 0 {
			rest := text[start+len(fence):]
			if end := strings.Index(rest, "```"); end >= 0 {
				return strings.TrimSpace(rest[:end])
			}
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(text[start : end+1])
	}
	return strings.TrimSpace(text)
}
